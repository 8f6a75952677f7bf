package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/awnumar/memguard"
	"github.com/goccy/go-json"

	"evidenced/internal/anchors"
	"evidenced/internal/detect"
	"evidenced/internal/evidence"
	"evidenced/internal/integrity"
	"evidenced/internal/logging"
	"evidenced/internal/seal"
	"evidenced/internal/store"
)

func cmdSeal(args []string) error {
	var cfgPath string
	fs := newFlagSet("seal", &cfgPath)
	kind := fs.String("kind", "manual", "event kind recorded for the clip")
	confidence := fs.Float64("confidence", 1, "detector confidence recorded for the clip")
	noAnchor := fs.Bool("no-anchor", false, "seal without anchoring; run reanchor later")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return errors.New("clip file required\n\nUsage: evidenced seal [-kind k] [-confidence c] [-no-anchor] <clip>")
	}
	src := fs.Arg(0)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("clip not found: %s", src)
	}
	memguard.CatchInterrupt()

	a, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.key()
	if err != nil {
		return err
	}
	journal, err := a.openJournal(key)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return err
	}
	defer journal.Close()

	ctx := context.Background()
	assembler, err := a.newAssembler(ctx, seal.New(key), nil, *noAnchor)
	if err != nil {
		return err
	}

	res := assembler.SealClip(ctx, src, detect.Trigger{
		Kind:       *kind,
		Confidence: *confidence,
		DetectedAt: time.Now(),
	})
	if err := (evidence.MultiSink{journal, auditSink(a.audit)}).Deliver(ctx, res); err != nil {
		a.logger.Error("record not journaled", "error", err)
	}
	if res.Outcome == evidence.OutcomeAborted {
		return res.Err
	}

	out, err := json.MarshalIndent(res.Record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if res.Outcome == evidence.OutcomeUnconfirmed && !errors.Is(res.Err, evidence.ErrNotAnchored) {
		fmt.Fprintf(os.Stderr, "\nAnchoring failed: %v\nThe artifact is kept. Retry with: evidenced reanchor %s\n", res.Err, res.Record.ID)
	}
	return nil
}

func cmdDecrypt(args []string) error {
	var cfgPath string
	fs := newFlagSet("decrypt", &cfgPath)
	output := fs.String("o", "", "output path (default: artifact without .enc)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return errors.New("artifact required\n\nUsage: evidenced decrypt [-o output] <artifact>")
	}
	artifact := fs.Arg(0)

	out := *output
	if out == "" {
		if !strings.HasSuffix(artifact, evidence.ArtifactExt) {
			return fmt.Errorf("cannot derive output name from %s; use -o", artifact)
		}
		out = strings.TrimSuffix(artifact, evidence.ArtifactExt)
	}
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("refusing to overwrite %s", out)
	}
	memguard.CatchInterrupt()

	a, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.key()
	if err != nil {
		return err
	}

	err = seal.New(key).Decrypt(artifact, out)
	a.audit.LogDecrypt(context.Background(), artifact, out, err)
	if err != nil {
		if errors.Is(err, seal.ErrAuthentication) {
			return fmt.Errorf("%s failed authentication: wrong key or altered artifact", artifact)
		}
		return err
	}

	fmt.Printf("Decrypted %s\n       -> %s\n", artifact, out)
	return nil
}

func cmdVerify(args []string) error {
	var cfgPath string
	fs := newFlagSet("verify", &cfgPath)
	fs.Parse(args)

	a, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	key, err := a.key()
	if err != nil {
		return err
	}
	journal, openErr := a.openJournal(key)
	if journal == nil {
		return openErr
	}
	defer journal.Close()

	var failures int

	if fs.NArg() == 0 {
		fmt.Printf("Journal:   %s\n", a.cfg.Storage.JournalPath)
		err := openErr
		if err == nil {
			err = journal.Verify(ctx)
		}
		if err != nil {
			fmt.Printf("  [FAIL] %v\n", err)
			failures++
		} else {
			fmt.Println("  [OK]   attempt chain and record MACs intact")
		}
		a.audit.LogVerification(ctx, a.cfg.Storage.JournalPath, err, nil)

		fmt.Printf("Audit log: %s\n", a.cfg.Logging.AuditPath)
		// The audit logger has an open handle; flush before reading.
		a.audit.Sync()
		n, err := logging.VerifyAuditFile(a.cfg.Logging.AuditPath)
		if err != nil {
			fmt.Printf("  [FAIL] %v\n", err)
			failures++
		} else {
			fmt.Printf("  [OK]   %d events chained\n", n)
		}
		a.audit.LogVerification(ctx, a.cfg.Logging.AuditPath, err, map[string]any{"events": n})
	}

	var records []evidence.Record
	if fs.NArg() > 0 {
		for _, id := range fs.Args() {
			rec, err := journal.Get(ctx, id)
			if err != nil {
				fmt.Printf("Record %s\n  [FAIL] %v\n", id, err)
				failures++
				continue
			}
			records = append(records, *rec)
		}
	} else {
		if records, err = journal.List(ctx, store.Filter{}); err != nil {
			return err
		}
	}

	if len(records) > 0 {
		fmt.Printf("Artifacts: %d\n", len(records))
	}
	for i := range records {
		rec := &records[i]
		err := integrity.Verify(rec.EncryptedPath, rec.Digest)
		switch {
		case err == nil:
			fmt.Printf("  [OK]   %s  %s  %s\n", rec.ID, rec.AnchorStatus, rec.EncryptedPath)
		case errors.Is(err, os.ErrNotExist):
			fmt.Printf("  [FAIL] %s  artifact missing: %s\n", rec.ID, rec.EncryptedPath)
			failures++
		default:
			fmt.Printf("  [FAIL] %s  %v\n", rec.ID, err)
			failures++
		}
		a.audit.LogVerification(ctx, rec.EncryptedPath, err, map[string]any{"record_id": rec.ID})
	}

	if failures > 0 {
		return fmt.Errorf("verification failed: %d problem(s)", failures)
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func cmdReanchor(args []string) error {
	var cfgPath string
	fs := newFlagSet("reanchor", &cfgPath)
	fs.Parse(args)
	memguard.CatchInterrupt()

	a, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if !a.cfg.Ledger.Enabled {
		return errors.New("ledger is disabled in the configuration")
	}
	ctx := context.Background()

	key, err := a.key()
	if err != nil {
		return err
	}
	journal, err := a.openJournal(key)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return err
	}
	defer journal.Close()

	assembler, err := a.newAssembler(ctx, seal.New(key), nil, false)
	if err != nil {
		return err
	}

	var records []evidence.Record
	if fs.NArg() > 0 {
		for _, id := range fs.Args() {
			rec, err := journal.Get(ctx, id)
			if err != nil {
				return err
			}
			records = append(records, *rec)
		}
	} else if records, err = journal.ListPending(ctx); err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No unconfirmed records.")
		return nil
	}

	sink := evidence.MultiSink{journal, auditSink(a.audit)}
	var failed int
	for i := range records {
		rec := &records[i]
		if rec.Confirmed() {
			fmt.Printf("%s  already confirmed (tx %s)\n", rec.ID, rec.TxID)
			continue
		}
		res := assembler.Reanchor(ctx, rec)
		if err := sink.Deliver(ctx, res); err != nil {
			a.logger.Error("record not journaled", "record", rec.ID, "error", err)
		}
		if res.Outcome == evidence.OutcomeConfirmed {
			fmt.Printf("%s  confirmed (tx %s)\n", rec.ID, res.Record.TxID)
			continue
		}
		failed++
		fmt.Printf("%s  %s: %v\n", rec.ID, statusOf(res), res.Err)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d record(s) still unconfirmed", failed, len(records))
	}
	return nil
}

func statusOf(res evidence.Result) anchors.Status {
	if res.Record == nil {
		return anchors.StatusFailed
	}
	return res.Record.AnchorStatus
}

func cmdList(args []string) error {
	var cfgPath string
	fs := newFlagSet("list", &cfgPath)
	camera := fs.String("camera", "", "only records from this camera")
	status := fs.String("status", "", "only records with this anchor status (confirmed, failed, unknown, pending)")
	limit := fs.Int("limit", 50, "maximum number of records (0 for all)")
	asJSON := fs.Bool("json", false, "print records as JSON")
	showStats := fs.Bool("stats", false, "print journal statistics")
	fs.Parse(args)

	a, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	key, err := a.key()
	if err != nil {
		return err
	}
	journal, openErr := a.openJournal(key)
	if journal == nil {
		return openErr
	}
	defer journal.Close()

	if *showStats {
		stats, err := journal.GetStats(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Records:\t%d\n", stats.RecordCount)
		fmt.Fprintf(w, "Confirmed:\t%d\n", stats.ConfirmedCount)
		fmt.Fprintf(w, "Unconfirmed:\t%d\n", stats.UnconfirmedCount)
		fmt.Fprintf(w, "Attempts:\t%d\n", stats.AttemptCount)
		if stats.RecordCount > 0 {
			fmt.Fprintf(w, "Oldest:\t%s\n", stats.OldestRecord.Local().Format(time.DateTime))
			fmt.Fprintf(w, "Newest:\t%s\n", stats.NewestRecord.Local().Format(time.DateTime))
		}
		fmt.Fprintf(w, "Integrity:\t%v\n", stats.IntegrityOK)
		fmt.Fprintf(w, "Chain hash:\t%s\n", stats.ChainHash)
		return w.Flush()
	}

	records, err := journal.List(ctx, store.Filter{
		CameraID: *camera,
		Status:   anchors.Status(*status),
		Limit:    *limit,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		if records == nil {
			records = []evidence.Record{}
		}
		out, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(records) == 0 {
		fmt.Println("No records.")
		return nil
	}
	for i := range records {
		printRecord(&records[i])
		if i < len(records)-1 {
			fmt.Println()
		}
	}
	if openErr != nil {
		fmt.Fprintf(os.Stderr, "\nWarning: %v\n", openErr)
	}
	return nil
}
