// Command dantto4k wires a SmartCardPort, an AcasHandler and an
// IoPipeline together and streams decrypted bytes to stdout. It does not
// demultiplex MMTP/TLV itself — PID routing and descriptor parsing stay
// external per spec.md §1 — so the consumer loop below is a pass-through
// that exists only to exercise the pipeline end-to-end: every byte it
// reads is treated as an unscrambled, already-demultiplexed payload.
// A real deployment sits a demultiplexer between GetFilledBuffer and
// AcasHandler.OnEcm/Decrypt.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/msg7086-forks/dantto4k/internal/config"
	"github.com/msg7086-forks/dantto4k/pkg/acas"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	configPath := flag.String("config", "dantto4k.yaml", "path to config file")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	if err := run(*configPath); err != nil {
		slog.Error("dantto4k: fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return fmt.Errorf("decode master key: %w", err)
	}

	port, err := buildPort(cfg)
	if err != nil {
		return fmt.Errorf("build smart card port: %w", err)
	}

	card := acas.NewAcasCard(masterKey, port)
	cipher := acas.NewAesCtrEngine(cfg.ForcePortable())
	slog.Info("dantto4k: aes backend selected", "accelerated", cipher.Accelerated())

	handler := acas.NewAcasHandler(card, cipher)
	defer handler.Close()

	pipeline := acas.NewIoPipeline(os.Stdin)
	defer pipeline.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("dantto4k: shutting down")
		pipeline.Close()
		handler.Close()
		os.Exit(0)
	}()

	return consume(pipeline)
}

// consume drains the IoPipeline until EOF or a read error. It never sees
// ECMs or scrambled MMTP packets directly — that demultiplexing step is
// the external collaborator named in spec.md §1 — so it simply forwards
// each filled view to stdout and reports back a fully-consumed
// ProcessedReport (no spill-over) every iteration. A real deployment
// replaces this loop's body with a demultiplexer that routes ECM blobs
// to handler.OnEcm and scrambled MMTP packets to handler.Decrypt before
// forwarding the decrypted bytes onward.
func consume(pipeline *acas.IoPipeline) error {
	for {
		filled := pipeline.GetFilledBuffer()
		if filled.Empty() {
			break
		}

		if _, err := os.Stdout.Write(filled.View); err != nil {
			pipeline.ReturnProcessedBuffer(acas.ProcessedReport{Buf: filled.Buf})
			return fmt.Errorf("write stdout: %w", err)
		}

		pipeline.ReturnProcessedBuffer(acas.ProcessedReport{Buf: filled.Buf})
	}

	if err := pipeline.Err(); err != nil {
		var pe *acas.PipelineError
		if asPipelineError(err, &pe) && pe.Kind == acas.IoEof {
			slog.Info("dantto4k: input exhausted")
			return nil
		}
		return err
	}
	return nil
}

func asPipelineError(err error, target **acas.PipelineError) bool {
	pe, ok := err.(*acas.PipelineError)
	if !ok {
		return false
	}
	*target = pe
	return true
}

func buildPort(cfg *config.Config) (acas.SmartCardPort, error) {
	switch cfg.SmartCardBackend {
	case config.BackendPCSC:
		return acas.NewPCSCPort(*cfg.ReaderIndex), nil
	case config.BackendReplay:
		return acas.NewTracePort(cfg.ReplayTraceFile)
	default:
		return nil, fmt.Errorf("unknown smart_card_backend %q", cfg.SmartCardBackend)
	}
}
