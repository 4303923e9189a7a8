package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fakturak/internal"
	"fakturak/internal/config"
	"fakturak/internal/extract"
	"fakturak/internal/ingest"
	"fakturak/internal/listener"
	"fakturak/internal/logging"
	"fakturak/internal/pipeline"
	"fakturak/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	cmd := os.Args[1]
	switch cmd {
	case "mail:poll":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.MailProvider, "gmail|imap")
		label := fs.String("label", cfg.MailLabel, "mailbox/label")
		max := fs.Int("max", cfg.MailFetchMax, "max messages")
		_ = fs.Parse(os.Args[2:])
		conn, err := listener.MakeConnector(cfg, *provider)
		must(err)
		svc := ingest.NewService(db, conn, cfg.AttachmentsDir, *label, *max, cfg.MaxAttempts, logger)
		ids, err := svc.Poll()
		must(err)
		fmt.Printf("mail poll done provider=%s enqueued=%d\n", *provider, len(ids))
	case "queue:process":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.Int64("id", 0, "specific queue item id")
		batch := fs.Int("batch", cfg.ProcessBatch, "batch size")
		_ = fs.Parse(os.Args[2:])
		processor := pipeline.NewProcessor(db, extract.NewClient(cfg, logger), cfg, logger)
		if *id != 0 {
			err := processor.ProcessItem(context.Background(), *id)
			if errors.Is(err, pipeline.ErrNotClaimed) {
				fmt.Printf("item id=%d is not pending\n", *id)
				return
			}
			must(err)
			fmt.Printf("processed item id=%d\n", *id)
			return
		}
		completed, err := processor.ProcessPending(context.Background(), *batch)
		must(err)
		fmt.Printf("processed pending completed=%d\n", completed)
	case "queue:reset-stuck":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		window := fs.Int("window", cfg.StuckAfterSec, "seconds an item may stay processing")
		_ = fs.Parse(os.Args[2:])
		count, err := db.ResetStuckItems(*window)
		must(err)
		fmt.Printf("reset %d stuck items\n", count)
	case "queue:reprocess":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.Int64("id", 0, "queue item id")
		_ = fs.Parse(os.Args[2:])
		if *id == 0 {
			must(fmt.Errorf("--id is required"))
		}
		must(db.ReprocessItem(*id))
		fmt.Printf("item %d requeued with a fresh attempt budget\n", *id)
	case "queue:cancel":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.Int64("id", 0, "queue item id")
		_ = fs.Parse(os.Args[2:])
		if *id == 0 {
			must(fmt.Errorf("--id is required"))
		}
		must(db.CancelItem(*id))
		fmt.Printf("item %d cancelled\n", *id)
	case "queue:stats":
		stats, err := db.Statistics()
		must(err)
		fmt.Printf("pending=%d processing=%d completed=%d failed=%d total=%d\n",
			stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Total)
	case "queue:steps":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.Int64("id", 0, "queue item id")
		_ = fs.Parse(os.Args[2:])
		if *id == 0 {
			must(fmt.Errorf("--id is required"))
		}
		steps, err := db.GetSteps(*id)
		must(err)
		for _, step := range steps {
			fmt.Printf("%s  %s", step.CreatedAt, step.Step)
			if step.Detail != "" {
				fmt.Printf("  %s", step.Detail)
			}
			fmt.Println()
		}
	case "users:add":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		email := fs.String("email", "", "sender email address")
		name := fs.String("name", "", "display name")
		clientID := fs.String("client-id", "", "iDoklad client id")
		clientSecret := fs.String("client-secret", "", "iDoklad client secret")
		apiBaseURL := fs.String("api-base-url", "", "per-user API base URL override")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*email) == "" {
			must(fmt.Errorf("--email is required"))
		}
		id, err := db.AddAuthorizedUser(internal.AuthorizedUser{
			Email:        *email,
			Name:         *name,
			ClientID:     *clientID,
			ClientSecret: *clientSecret,
			APIBaseURL:   *apiBaseURL,
		})
		must(err)
		fmt.Printf("user added id=%d email=%s\n", id, *email)
	case "users:list":
		users, err := db.ListAuthorizedUsers()
		must(err)
		for _, user := range users {
			state := "active"
			if !user.IsActive {
				state = "inactive"
			}
			fmt.Printf("%d  %s  %s  %s\n", user.ID, user.Email, user.Name, state)
		}
	case "export:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		status := fs.String("status", "", "filter by status (empty for all)")
		limit := fs.Int("limit", 500, "max rows")
		out := fs.String("out", "", "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		path := *out
		if strings.TrimSpace(path) == "" {
			filename := fmt.Sprintf("queue_%s.xlsx", time.Now().Format("20060102_150405"))
			path = filepath.Join(cfg.OutputDir, filename)
		}
		items, err := db.ListItems(internal.QueueStatus(*status), *limit)
		must(err)
		if len(items) == 0 {
			must(fmt.Errorf("no queue items to export"))
		}
		must(pipeline.ExportItemsToXLSX(items, path))
		fmt.Printf("exported %d items to %s\n", len(items), path)
	case "listen":
		svc := listener.NewService(db, cfg, logger)
		must(svc.Run(context.Background()))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: fakturak <command>")
	fmt.Println("commands:")
	fmt.Println("  mail:poll --provider=gmail|imap --label=INBOX --max=20")
	fmt.Println("  queue:process [--id=1] [--batch=10]")
	fmt.Println("  queue:reset-stuck [--window=300]")
	fmt.Println("  queue:reprocess --id=1")
	fmt.Println("  queue:cancel --id=1")
	fmt.Println("  queue:stats")
	fmt.Println("  queue:steps --id=1")
	fmt.Println("  users:add --email=... [--name=...] [--client-id=...] [--client-secret=...]")
	fmt.Println("  users:list")
	fmt.Println("  export:xlsx [--status=completed] [--limit=500] [--out=./out/queue.xlsx]")
	fmt.Println("  listen")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
