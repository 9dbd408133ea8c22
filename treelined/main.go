package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treeline-io/treeline/treeline"
)

const Version = "0.1.0"

const DefaultListenAddr = ":9339"

func main() {
	usage := fmt.Sprintf(
		`Treeline configuration/telemetry target.

Usage:
    treelined serve [--listen=<listen>] [--policy=<policy>] [--seed=<seed>]
        [--auth] [--verbosity=<verbosity>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    -l --listen=<listen>       Listen address [default: %s].
    --policy=<policy>          Policy config yaml, hot reloaded on change.
    --seed=<seed>              Json document loaded into the tree at startup.
    --auth                     Verify client bearer tokens (prompts for the secret).
    -v --verbosity=<verbosity> Log verbosity [default: 0].`,
		DefaultListenAddr,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	verbosity, _ := opts.Int("--verbosity")
	treeline.InitLog(verbosity)

	listenAddr := DefaultListenAddr
	if listenAddrAny := opts["--listen"]; listenAddrAny != nil {
		listenAddr = listenAddrAny.(string)
	}

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	target := treeline.NewTargetWithDefaults(cancelCtx)
	defer target.Close()

	if policyPathAny := opts["--policy"]; policyPathAny != nil {
		policyWatcher, err := treeline.NewPolicyWatcher(cancelCtx, policyPathAny.(string))
		if err != nil {
			glog.Errorf("policy config: %s\n", err)
			os.Exit(1)
		}
		defer policyWatcher.Close()
		target.AttachPolicyWatcher(policyWatcher)
	}

	if seedPathAny := opts["--seed"]; seedPathAny != nil {
		if err := seedTree(target, seedPathAny.(string)); err != nil {
			glog.Errorf("seed: %s\n", err)
			os.Exit(1)
		}
	}

	transportSettings := treeline.DefaultTransportListenerSettings()
	if auth_, _ := opts.Bool("--auth"); auth_ {
		fmt.Print("jwt secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			glog.Errorf("read secret: %s\n", err)
			os.Exit(1)
		}
		transportSettings.JwtSecret = secret
	}

	listener := treeline.NewTransportListener(cancelCtx, target, transportSettings)
	defer listener.Close()

	mux := http.NewServeMux()
	mux.Handle("/subscribe", listener)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}
	go func() {
		<-cancelCtx.Done()
		server.Shutdown(context.Background())
	}()

	fmt.Printf("treelined %s listening on %s\n", Version, listenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("serve: %s\n", err)
		os.Exit(1)
	}
}

// loads a json document as a replace of the tree root
func seedTree(target *treeline.Target, seedPath string) error {
	seedBytes, err := os.ReadFile(seedPath)
	if err != nil {
		return err
	}
	request := &treeline.SetRequest{
		Replaces: []treeline.UpdateOp{{
			Path:  treeline.Path{},
			Value: treeline.NewTextValue(string(seedBytes), "json"),
		}},
	}
	if _, err := target.Set(request); err != nil {
		return err
	}
	return nil
}
