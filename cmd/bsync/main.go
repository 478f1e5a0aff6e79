// bsync: CLI for the bridge sync engine.
// Commands: status, list, sync, backup, restore, reset, wipe.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/term"

	"github.com/bridgesync/bsync/internal/backup"
	"github.com/bridgesync/bsync/internal/config"
	"github.com/bridgesync/bsync/internal/engine"
	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/logins"
	"github.com/bridgesync/bsync/internal/manager"
	"github.com/bridgesync/bsync/internal/postqueue"
	"github.com/bridgesync/bsync/internal/storage"
	"github.com/bridgesync/bsync/internal/sync15"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "status":
		cmdStatus()
	case "list":
		cmdList()
	case "sync":
		cmdSync()
	case "backup":
		cmdBackup()
	case "restore":
		cmdRestore()
	case "reset":
		cmdReset()
	case "wipe":
		cmdWipe()
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: bsync <command>

  status    show collection state and last sync
  list      list saved logins (passwords hidden)
  sync      run one sync against the configured server
  backup    snapshot the database to object storage
  restore   restore the database from a snapshot
  reset     forget server state, keep local records
  wipe      delete local records and server state`)
}

func fail(cmd string, err error) {
	fmt.Fprintf(os.Stderr, "bsync %s: %v\n", cmd, err)
	os.Exit(1)
}

// encryptionKey resolves the content key: config first, then an
// interactive prompt when stdin is a terminal.
func encryptionKey(cfg *config.Config) ([]byte, error) {
	key, err := cfg.Key()
	if err != nil || key != nil {
		return key, err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, nil
	}
	fmt.Fprint(os.Stderr, "encryption key (hex, empty for none): ")
	line, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	entered := strings.TrimSpace(string(line))
	if entered == "" {
		return nil, nil
	}
	key, err = hex.DecodeString(entered)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("key must be 64 hex characters")
	}
	return key, nil
}

type env struct {
	cfg    *config.Config
	mgr    *manager.Manager
	store  *storage.Store
	engine *engine.Engine[logins.Login]
}

func openEnv(cmd string) *env {
	cfg, err := config.Load()
	if err != nil {
		fail(cmd, err)
	}
	key, err := encryptionKey(cfg)
	if err != nil {
		fail(cmd, err)
	}
	store, err := storage.Open(cfg.DatabasePath, nil)
	if err != nil {
		fail(cmd, err)
	}
	mgr := manager.New()
	if err := mgr.Register("passwords", store); err != nil {
		fail(cmd, err)
	}
	coll, err := logins.NewCollection(key)
	if err != nil {
		fail(cmd, err)
	}
	eng, err := engine.New[logins.Login](store, coll, nil)
	if err != nil {
		fail(cmd, err)
	}
	return &env{cfg: cfg, mgr: mgr, store: store, engine: eng}
}

func (e *env) close() {
	if err := e.mgr.CloseAll(); err != nil {
		fmt.Fprintf(os.Stderr, "bsync: close: %v\n", err)
	}
}

func renderTable(header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.SetStyle(table.StyleLight)
	t.Render()
}

func cmdStatus() {
	e := openEnv("status")
	defer e.close()
	ctx := context.Background()

	last, err := e.engine.LastSync(ctx)
	if err != nil {
		fail("status", err)
	}
	syncID, err := e.engine.SyncID(ctx)
	if err != nil {
		fail("status", err)
	}
	records, err := e.engine.List(ctx)
	if err != nil {
		fail("status", err)
	}

	lastStr := "never"
	if last != 0 {
		lastStr = time.UnixMilli(last.Millis()).Format(time.RFC3339)
	}
	if syncID == "" {
		syncID = "(disconnected)"
	}
	renderTable(
		table.Row{"collection", "records", "last sync", "sync id"},
		[]table.Row{{"passwords", len(records), lastStr, syncID}},
	)
}

func cmdList() {
	e := openEnv("list")
	defer e.close()

	records, err := e.engine.List(context.Background())
	if err != nil {
		fail("list", err)
	}
	rows := make([]table.Row, 0, len(records))
	for _, l := range records {
		lastUsed := "never"
		if l.TimeLastUsed != 0 {
			lastUsed = time.UnixMilli(l.TimeLastUsed.Millis()).Format("2006-01-02")
		}
		rows = append(rows, table.Row{l.Origin, l.Username, l.TimesUsed, lastUsed})
	}
	renderTable(table.Row{"origin", "username", "uses", "last used"}, rows)
}

func cmdSync() {
	e := openEnv("sync")
	defer e.close()
	ctx := context.Background()

	if e.cfg.ServerURL == "" {
		fail("sync", fmt.Errorf("no server_url configured"))
	}
	client := sync15.NewClient(e.cfg.ServerURL, e.cfg.AuthToken,
		time.Duration(e.cfg.RequestTimeoutMs)*time.Millisecond)

	syncID, err := e.engine.SyncID(ctx)
	if err != nil {
		fail("sync", err)
	}
	if syncID == "" {
		if syncID, err = e.engine.ResetSyncID(ctx); err != nil {
			fail("sync", err)
		}
	}
	if _, err := e.engine.EnsureCurrentSyncID(ctx, syncID); err != nil {
		fail("sync", err)
	}

	limits, err := client.Configuration(ctx)
	if err != nil {
		fail("sync", err)
	}
	lastSync, err := e.engine.LastSync(ctx)
	if err != nil {
		fail("sync", err)
	}

	if err := e.engine.SyncStarted(ctx); err != nil {
		fail("sync", err)
	}
	incoming, serverModified, err := client.FetchCollection(ctx, "passwords",
		sync15.FetchOptions{Newer: lastSync, Sort: "oldest"})
	if err != nil {
		fail("sync", err)
	}
	if _, err := e.engine.StoreIncoming(ctx, incoming); err != nil {
		fail("sync", err)
	}
	res, err := e.engine.Apply(ctx)
	if err != nil {
		fail("sync", err)
	}

	uploaded := 0
	if len(res.Outgoing) > 0 {
		queue := postqueue.New(limits, client.Poster("passwords", serverModified), nil)
		var acked []guid.Guid
		for _, out := range res.Outgoing {
			ok, err := queue.Enqueue(ctx, out)
			if err != nil {
				fail("sync", err)
			}
			if ok {
				acked = append(acked, out.ID)
			}
		}
		if err := queue.Flush(ctx, true); err != nil {
			fail("sync", err)
		}
		ts := queue.LastModified()
		if ts == 0 {
			ts = serverModified
		}
		if err := e.engine.SetUploaded(ctx, ts, acked); err != nil {
			fail("sync", err)
		}
		uploaded = len(acked)
	} else if serverModified != 0 {
		if err := e.engine.SetLastSync(ctx, serverModified); err != nil {
			fail("sync", err)
		}
	}
	if err := e.engine.SyncFinished(ctx); err != nil {
		fail("sync", err)
	}

	renderTable(
		table.Row{"fetched", "applied", "failed", "merged", "uploaded"},
		[]table.Row{{len(incoming), res.Telemetry.Applied, res.Telemetry.Failed, res.NumReconciled, uploaded}},
	)
}

func backupManager(cmd string, cfg *config.Config) *backup.Manager {
	if cfg.Backup.Bucket == "" {
		fail(cmd, fmt.Errorf("no backup bucket configured"))
	}
	s3, err := backup.NewS3Store(context.Background(), backup.S3Config{
		Bucket:    cfg.Backup.Bucket,
		Prefix:    cfg.Backup.Prefix,
		Region:    cfg.Backup.Region,
		Endpoint:  cfg.Backup.Endpoint,
		PathStyle: cfg.Backup.PathStyle,
		AccessKey: cfg.Backup.AccessKey,
		SecretKey: cfg.Backup.SecretKey,
	})
	if err != nil {
		fail(cmd, err)
	}
	store := backup.NewRetryableStore(s3, backup.DefaultRetryConfig())
	key, err := encryptionKey(cfg)
	if err != nil {
		fail(cmd, err)
	}
	m, err := backup.NewManager(store, key, nil)
	if err != nil {
		fail(cmd, err)
	}
	return m
}

func cmdBackup() {
	cfg, err := config.Load()
	if err != nil {
		fail("backup", err)
	}
	m := backupManager("backup", cfg)
	ctx := context.Background()

	name, err := m.Snapshot(ctx, cfg.DatabasePath)
	if err != nil {
		fail("backup", err)
	}
	fmt.Printf("Snapshot %s uploaded.\n", name)

	if cfg.Backup.Keep > 0 {
		pruned, err := m.Prune(ctx, cfg.Backup.Keep)
		if err != nil {
			fail("backup", err)
		}
		if pruned > 0 {
			fmt.Printf("Pruned %d old snapshot(s).\n", pruned)
		}
	}
}

func cmdRestore() {
	cfg, err := config.Load()
	if err != nil {
		fail("restore", err)
	}
	name := ""
	if len(os.Args) > 2 {
		name = os.Args[2]
	}
	if !confirm(fmt.Sprintf("Overwrite %s from snapshot?", cfg.DatabasePath)) {
		fmt.Println("Aborted.")
		return
	}
	m := backupManager("restore", cfg)
	if err := m.Restore(context.Background(), name, cfg.DatabasePath); err != nil {
		fail("restore", err)
	}
	fmt.Println("Restored.")
}

func cmdReset() {
	e := openEnv("reset")
	defer e.close()
	if err := e.engine.Reset(context.Background()); err != nil {
		fail("reset", err)
	}
	fmt.Println("Server state forgotten; local records kept and marked for upload.")
}

func cmdWipe() {
	if !confirm("Delete ALL local records?") {
		fmt.Println("Aborted.")
		return
	}
	e := openEnv("wipe")
	defer e.close()
	if err := e.engine.Wipe(context.Background()); err != nil {
		fail("wipe", err)
	}
	fmt.Println("Wiped.")
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	var answer string
	fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
