// Command validator starts one DAG-BFT consensus node.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tolelom/dagbft/bft"
	"github.com/tolelom/dagbft/config"
	"github.com/tolelom/dagbft/core"
	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/crypto/certgen"
	"github.com/tolelom/dagbft/dag"
	"github.com/tolelom/dagbft/events"
	"github.com/tolelom/dagbft/gateway"
	"github.com/tolelom/dagbft/internal/testutil"
	"github.com/tolelom/dagbft/persist"
	"github.com/tolelom/dagbft/primary"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/validatorkey"
	"github.com/tolelom/dagbft/worker"
)

// recentlyCommittedCap bounds the BFT engine's replay-protection set,
// independent of max_gc_rounds so a slow-to-GC deployment still bounds
// memory for the commit-dedup cache.
const recentlyCommittedCap = 4096

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	password := os.Getenv("DAGBFT_PASSWORD")
	if password == "" {
		log.Println("WARNING: DAGBFT_PASSWORD not set — keystore will use an empty password")
	}

	if *genKey {
		priv, _, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatal(err)
		}
		if err := validatorkey.SaveKey(*keyPath, password, priv); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Validator address: %s\n", priv.Public().Hex())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	if *genCerts != "" {
		cfg, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfg.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfg.NodeID)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if addr, err := validatorkey.Address(*keyPath); err == nil {
		log.Printf("Loading keystore for validator address %s", addr)
	}

	privKey, err := validatorkey.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}
	self := privKey.Public().Hex()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}

	emitter := events.NewEmitter()
	emitter.Subscribe(events.EventRoundAdvanced, func(ev events.Event) {
		log.Printf("[event] round advanced to %d", ev.Round)
	})
	emitter.Subscribe(events.EventSubdagCommitted, func(ev events.Event) {
		log.Printf("[event] subdag committed at round %d: %v", ev.Round, ev.Data)
	})

	committee := core.NewCommittee(0, cfg.Stakes())
	ledgerSvc := testutil.NewMemLedger(committee, 0)

	st := storage.New(cfg.MaxGCRounds)
	d, err := dag.New(cfg.MaxGCRounds, recentlyCommittedCap)
	if err != nil {
		log.Fatalf("dag: %v", err)
	}

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for the validator gateway")
	}

	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	gw := gateway.New(self, p2pAddr, tlsCfg, nil)

	numWorkers := int(cfg.NumWorkers)
	workers := make([]*worker.Worker, numWorkers)
	for i := 0; i < numWorkers; i++ {
		workers[i] = worker.New(uint32(i), ledgerSvc, gw.RequestTransmissionFromAny, int(core.MaxTransmissionsTolerance))
	}

	engine := bft.New(self, d, st, ledgerSvc, emitter, nil)
	prim := primary.New(self, privKey, st, workers, ledgerSvc, gw, engine, emitter)
	gw.SetHandler(prim)

	cachePath := cfg.DataDir + "/proposal_cache"
	cache, err := persist.Open(cachePath)
	if err != nil {
		log.Fatalf("open proposal cache: %v", err)
	}
	defer cache.Close()

	snap, err := cache.Load()
	if err != nil {
		log.Fatalf("load proposal cache: %v", err)
	}
	prim.Restore(snap)
	if len(snap.PendingCertificates) > 0 {
		if err := engine.SyncBFTDagAtBootup(context.Background(), snap.PendingCertificates); err != nil {
			log.Printf("sync bft dag at bootup: %v", err)
		}
	}

	if err := gw.Start(); err != nil {
		log.Fatalf("gateway start: %v", err)
	}
	defer gw.Stop()
	log.Printf("Gateway listening on %s (validator %s)", p2pAddr, self)

	for _, sp := range cfg.SeedPeers {
		if err := gw.Dial(sp.Address, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.Address, sp.Addr, err)
			continue
		}
		log.Printf("Connected to seed peer %s (%s)", sp.Address, sp.Addr)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		prim.Run(core.PrimaryPingInterval, done)
	}()
	log.Printf("Primary running (validator: %s)", self)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	close(done)
	wg.Wait()
	engine.ShutDown()

	snapOut := prim.Snapshot()
	snapOut.PendingCertificates = st.AllCertificates()
	if err := cache.Save(snapOut); err != nil {
		log.Printf("save proposal cache: %v", err)
	}

	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
