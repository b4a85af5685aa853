// Command mockpod is the intercepting HTTP/HTTPS mocking proxy server.
//
// It accepts both plaintext HTTP-proxy requests and HTTPS CONNECT tunnels,
// matches them against a user-defined rule set, and either forwards them
// unmodified, overlays a mock onto the real response, or synthesizes a
// response entirely — recording every exchange on the traffic bus.
//
// Usage:
//
//	# Default ports (proxy :8080, management :8081)
//	./mockpod
//
//	# Custom ports
//	PROXY_PORT=3128 MANAGEMENT_PORT=3129 ./mockpod
//
//	# Point a client at it
//	export HTTP_PROXY=http://localhost:8080
//	export HTTPS_PROXY=http://localhost:8080
//	curl --cacert Mockpod/Certificates/rootCA.cert.pem http://localhost:8081/status
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sinanerdinc/mockpod/internal/ca"
	"github.com/sinanerdinc/mockpod/internal/config"
	"github.com/sinanerdinc/mockpod/internal/logger"
	"github.com/sinanerdinc/mockpod/internal/management"
	"github.com/sinanerdinc/mockpod/internal/metrics"
	"github.com/sinanerdinc/mockpod/internal/mitm"
	"github.com/sinanerdinc/mockpod/internal/proxycore"
	"github.com/sinanerdinc/mockpod/internal/ruleengine"
	"github.com/sinanerdinc/mockpod/internal/rulestore"
	"github.com/sinanerdinc/mockpod/internal/trafficbus"
)

func main() {
	cfg := config.Load()
	printBanner(cfg)

	log := logger.New("MAIN", cfg.LogLevel)

	caInst, err := ca.LoadOrCreate(cfg.StorageDir)
	if err != nil {
		log.Fatalf("ca_init", "%v", err)
	}

	cache, err := rulestore.NewBboltSnapshotCache(filepath.Join(cfg.StorageDir, "ruleset-cache.db"))
	if err != nil {
		log.Warnf("rules_cache", "snapshot cache unavailable, falling back to in-memory: %v", err)
		cache = rulestore.NewMemorySnapshotCache()
	}
	defer cache.Close()

	rules := ruleengine.New()
	loadInitialRules(cfg, log, rules, cache)

	ring := trafficbus.NewRing(trafficbus.DefaultRingCapacity)
	recording := trafficbus.NewRecording(cfg.RecordingDefault)
	bus := trafficbus.New(ring, recording)

	m := metrics.New()

	mgmt := management.New(cfg, rules, bus, recording, m)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("management", "%v", err)
		}
	}()

	mitmHandler := mitm.New(caInst, rules, bus, m)
	mitmHandler.Log.SetLevel(cfg.LogLevel)
	dispatcher := proxycore.New(caInst, rules, bus, m, mitmHandler)
	dispatcher.Log.SetLevel(cfg.LogLevel)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.ProxyPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen", "%s: %v", addr, err)
	}
	log.Infof("listen", "listening on %s", addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown", "shutting down")
		// Closing the listener stops Accept; in-flight connections are left
		// to finish or time out on their own idle deadlines (§5 cancellation:
		// no entry is published for an aborted in-flight request).
		_ = ln.Close()
		bus.Close()
	}()

	if err := dispatcher.Serve(ln); err != nil {
		log.Infof("listen", "listener closed: %v", err)
	}
}

// loadInitialRules feeds the engine from cfg.RuleStorePath if the file
// exists. A RuleStore collaborator is an external source of "active rule
// list" snapshots (§9); the core never reads the file again after startup
// except through this same loader, invoked again by an embedder-triggered
// reload (out of scope for this entrypoint).
//
// The snapshot cache is a convenience layer in front of the JSON file
// (SPEC_FULL.md §2 "Rule store"), keyed by the configured path rather than
// the rule set's own id (which Import regenerates on every read): a
// successful Import refreshes the cached snapshot for that path; a failed
// one (missing or corrupt file) falls back to whatever was last cached for
// it, so a bad on-disk edit doesn't wipe out a previously-working rule set.
func loadInitialRules(cfg *config.Config, log *logger.Logger, rules *ruleengine.Engine, cache rulestore.SnapshotCache) {
	if cfg.RuleStorePath == "" {
		return
	}
	path := cfg.RuleStorePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.StorageDir, path)
	}

	rs, err := rulestore.Import(path)
	if err != nil {
		log.Warnf("rules_load", "no initial rule set loaded from %s: %v", path, err)
		if cached, ok := cache.Get(path); ok {
			rules.Replace(cached.Rules)
			log.Infof("rules_load", "recovered %d rules from snapshot cache for %s", len(cached.Rules), path)
		}
		return
	}
	rules.Replace(rs.Rules)
	cache.Set(path, rs)
	log.Infof("rules_load", "loaded %d rules from %s", len(rs.Rules), path)
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║                  mockpod  (Go)                        ║
╚══════════════════════════════════════════════════════╝
  Proxy port      : %d
  Management port : %d
  Storage dir     : %s
  Recording       : %v

  Point clients here:
    export HTTP_PROXY=http://localhost:%d
    export HTTPS_PROXY=http://localhost:%d

  Install the root CA, then check status:
    curl http://mockpod.local/mockpod/cert -x http://localhost:%d -o MockpodCA.der
    curl http://localhost:%d/status
`, cfg.ProxyPort, cfg.ManagementPort, cfg.StorageDir, cfg.RecordingDefault,
		cfg.ProxyPort, cfg.ProxyPort, cfg.ProxyPort, cfg.ManagementPort)
}
