// evidenced - Evidence capture-to-anchor pipeline for camera feeds
//
// Frames from a camera are kept in a short rolling buffer. When the
// detector flags an event, the buffered frames become a clip that is
// encrypted, hashed and anchored on an Ethereum ledger:
//
//	evidenced run                 Capture, detect and anchor continuously
//	evidenced seal <clip>         Encrypt, hash and anchor an existing clip
//	evidenced decrypt <artifact>  Recover the plaintext clip of an artifact
//	evidenced verify [record]     Check artifacts, journal and audit log
//	evidenced reanchor [record]   Retry anchoring of unconfirmed records
//	evidenced list                Show journal records
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/awnumar/memguard"

	"evidenced/internal/anchors"
	"evidenced/internal/archive"
	"evidenced/internal/clip"
	"evidenced/internal/config"
	"evidenced/internal/evidence"
	"evidenced/internal/logging"
	"evidenced/internal/metrics"
	"evidenced/internal/seal"
	"evidenced/internal/store"
)

// version is set at build time.
var version = "dev"

const journalMACLabel = "journal-mac"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "seal":
		err = cmdSeal(args)
	case "decrypt":
		err = cmdDecrypt(args)
	case "verify":
		err = cmdVerify(args)
	case "reanchor":
		err = cmdReanchor(args)
	case "list":
		err = cmdList(args)
	case "version":
		fmt.Printf("evidenced %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		memguard.SafeExit(1)
	}
	memguard.Purge()
}

func usage() {
	fmt.Println(`evidenced - Evidence Capture-to-Anchor Pipeline

USAGE:
    evidenced <command> [options]

COMMANDS:
    run                 Capture frames, detect events and anchor evidence
    seal <clip>         Encrypt, hash and anchor an existing clip file
    decrypt <artifact>  Decrypt an evidence artifact
    verify [record]     Verify artifacts, the journal and the audit log
    reanchor [record]   Retry anchoring of unconfirmed records
    list                List evidence records
    version             Print the version
    help                Show this help message

COMMON OPTIONS:
    -config <path>      Configuration file (TOML, YAML or JSON)

ENVIRONMENT:
    AES_KEY             Base64 encoded 32-byte evidence key (required)
    LEDGER_PRIVATE_KEY  Hex key signing anchor transactions
    WEB3_PROVIDER       Ethereum JSON-RPC endpoint
    CAMERA_ID           Camera identifier
    BUFFER_SECONDS      Seconds of history kept before an event
    COOLDOWN_SECONDS    Minimum spacing between recorded events

Evidence is never overwritten. An event whose anchoring fails keeps its
encrypted artifact and digest; run "evidenced reanchor" to retry.`)
}

// app bundles what every subcommand shares.
type app struct {
	cfgPath string
	cfg     *config.Config
	logger  *logging.Logger
	audit   *logging.AuditLogger
}

func newFlagSet(name string, cfgPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(cfgPath, "config", "", "configuration file")
	return fs
}

// setup loads and validates configuration, then starts logging and the
// audit trail.
func setup(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)

	for _, w := range config.Lint(cfg).Warnings() {
		logger.Warn("configuration warning", "field", w.Field, "message", w.Message)
	}

	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   cfg.Logging.AuditPath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "evidenced",
		CameraID:   cfg.Camera.ID,
	})
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &app{cfgPath: cfgPath, cfg: cfg, logger: logger, audit: audit}, nil
}

func (a *app) Close() {
	a.audit.Close()
	a.logger.Close()
}

func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    lc.MaxSizeMB,
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		Component:  "evidenced",
	})
}

// key parses the evidence key. Every other secret is derived from it.
func (a *app) key() (*seal.Key, error) {
	return seal.ParseKey(a.cfg.Crypto.AESKey)
}

// openJournal opens the evidence journal with a MAC key derived from the
// evidence key. A journal failing its integrity check is still returned
// for reading, together with the error.
func (a *app) openJournal(key *seal.Key) (*store.Journal, error) {
	macKey, err := key.Derive(journalMACLabel, 32)
	if err != nil {
		return nil, fmt.Errorf("derive journal key: %w", err)
	}
	j, err := store.Open(a.cfg.Storage.JournalPath, macKey)
	if err != nil && j == nil {
		return nil, err
	}
	if err != nil {
		a.logger.Error("journal integrity check failed", "path", a.cfg.Storage.JournalPath, "error", err)
		a.audit.LogVerification(context.Background(), a.cfg.Storage.JournalPath, err, nil)
	}
	return j, err
}

// newAnchor returns the ledger anchor, or nil when anchoring is disabled.
func (a *app) newAnchor(registry *anchors.Registry) (anchors.Anchor, error) {
	lc := a.cfg.Ledger
	if !lc.Enabled {
		return nil, nil
	}
	contract, err := lc.ResolveContractAddress()
	if err != nil {
		return nil, err
	}
	eth, err := anchors.NewEthereumAnchor(anchors.EthereumConfig{
		Endpoint:        lc.Endpoint,
		ContractAddress: contract,
		PrivateKeyHex:   lc.PrivateKey,
		GasLimit:        lc.GasLimit,
		GasPrice:        lc.GasPriceWei(),
		ChainID:         lc.ChainID,
		ConfirmTimeout:  time.Duration(lc.ConfirmTimeoutSec) * time.Second,
		PollInterval:    time.Duration(lc.PollIntervalMs) * time.Millisecond,
		RPCTimeout:      time.Duration(lc.RPCTimeoutSec) * time.Second,
		Logger:          a.logger.WithComponent("anchor").Logger,
	})
	if err != nil {
		return nil, err
	}
	registry.Register(eth)
	a.logger.Info("ledger anchor ready", "endpoint", lc.Endpoint, "contract", contract, "from", eth.From().Hex())
	return registry.Get(eth.Name())
}

// newAssembler wires the evidence pipeline. skipAnchor forces offline
// sealing even when a ledger is configured.
func (a *app) newAssembler(ctx context.Context, sealer *seal.Sealer, m *metrics.Pipeline, skipAnchor bool) (*evidence.Assembler, error) {
	registry := anchors.NewRegistry(a.cfg.Storage.ReceiptsDir)

	var anchor anchors.Anchor
	if !skipAnchor {
		var err error
		if anchor, err = a.newAnchor(registry); err != nil {
			return nil, err
		}
	}

	opts := []evidence.Option{
		evidence.WithLogger(a.logger.WithComponent("evidence").Logger),
		evidence.WithReceipts(registry),
		evidence.WithMetrics(m),
	}

	if a.cfg.Archive.Enabled {
		ac := a.cfg.Archive
		ar, err := archive.New(ctx, archive.Config{
			Bucket:       ac.Bucket,
			Prefix:       ac.Prefix,
			Region:       ac.Region,
			Endpoint:     ac.Endpoint,
			UsePathStyle: ac.UsePathStyle,
			Retries:      ac.Retries,
			Timeout:      time.Duration(ac.TimeoutSec) * time.Second,
			Logger:       a.logger.WithComponent("archive").Logger,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, evidence.WithArchiver(ar))
	}

	return evidence.NewAssembler(evidence.Config{
		CameraID:        a.cfg.Camera.ID,
		ClipDir:         a.cfg.Storage.ClipDir,
		SubmittedBy:     a.cfg.Camera.Operator,
		RetainPlaintext: a.cfg.Storage.RetainPlaintext,
		SkipAnchor:      anchor == nil,
	}, clip.NewMaterializer(a.cfg.Capture.JPEGQuality), sealer, anchor, opts...)
}

// auditSink records every pipeline result in the audit trail.
func auditSink(audit *logging.AuditLogger) evidence.Sink {
	return evidence.SinkFunc(func(ctx context.Context, res evidence.Result) error {
		var recordID, artifact, digest string
		if res.Artifact != nil {
			artifact = res.Artifact.Path
		}
		if rec := res.Record; rec != nil {
			recordID, artifact, digest = rec.ID, rec.EncryptedPath, rec.Digest
		}

		err := audit.LogEvidence(ctx, recordID, string(res.Outcome), artifact, digest, res.Err)
		if r := res.Receipt; r != nil {
			var anchorErr error
			if r.Err != "" {
				anchorErr = errors.New(r.Err)
			}
			err = errors.Join(err, audit.LogAnchor(ctx, recordID, r.Anchor, r.TxID, string(r.Status), anchorErr))
		}
		return err
	})
}

// guardedProcessor turns a panic in one pipeline run into an aborted
// result and a crash report.
type guardedProcessor struct {
	proc  evidence.Processor
	crash *logging.CrashHandler
}

func (g guardedProcessor) Assemble(ctx context.Context, job evidence.Job) evidence.Result {
	var res evidence.Result
	err := g.crash.Guard(map[string]any{
		"kind":   job.Trigger.Kind,
		"frames": len(job.Frames),
	}, func() {
		res = g.proc.Assemble(ctx, job)
	})
	if err != nil {
		return evidence.Result{Outcome: evidence.OutcomeAborted, Err: err}
	}
	return res
}

// printRecord writes one record in the list format.
func printRecord(rec *evidence.Record) {
	fmt.Printf("%s  %-8s  %-15s  %.2f  %s\n", rec.ID, rec.CameraID, rec.EventKind, rec.Confidence, rec.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("    status:   %s\n", rec.AnchorStatus)
	fmt.Printf("    digest:   %s\n", rec.Digest)
	if rec.TxID != "" {
		fmt.Printf("    tx:       %s\n", rec.TxID)
	}
	fmt.Printf("    artifact: %s\n", rec.EncryptedPath)
	if rec.ArchiveKey != "" {
		fmt.Printf("    archive:  %s\n", rec.ArchiveKey)
	}
}
