package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dbbouncer/pgwire"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("PGWIRE_DSN"), "postgres connection string or keyword/value DSN")
	query := flag.String("query", "", "single SQL statement to run; reads statements from stdin if empty")
	poolSize := flag.Int("pool-size", 0, "use a Pool with this max size instead of a single Connection")
	debugAddr := flag.String("debug-addr", "", "address for the read-only pool diagnostics HTTP server, e.g. 127.0.0.1:9187")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %s, shutting down...", sig)
		cancel()
	}()

	if *poolSize > 0 {
		runPool(ctx, *dsn, *poolSize, *debugAddr, *query)
		return
	}
	runSingle(ctx, *dsn, *query)
}

func runSingle(ctx context.Context, dsn, query string) {
	conn, err := pgwire.Connect(ctx, pgwire.Options{DSN: dsn, Logger: slog.Default()})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected, id=%s", conn.ID)

	runQueries(ctx, conn, query)
}

func runPool(ctx context.Context, dsn string, maxSize int, debugAddr, query string) {
	pool, err := pgwire.NewPool(pgwire.PoolConfig{
		DSN:       dsn,
		MaxSize:   int32(maxSize),
		DebugAddr: debugAddr,
	})
	if err != nil {
		log.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	pc, err := pool.Acquire(ctx)
	if err != nil {
		log.Fatalf("acquire: %v", err)
	}
	defer pc.Release()

	conn, err := pc.Conn()
	if err != nil {
		log.Fatalf("conn: %v", err)
	}
	runQueries(ctx, conn, query)
}

func runQueries(ctx context.Context, conn *pgwire.Connection, query string) {
	if query != "" {
		execOne(ctx, conn, query)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		execOne(ctx, conn, line)
	}
}

func execOne(ctx context.Context, conn *pgwire.Connection, sql string) {
	start := time.Now()
	rows, err := conn.Fetch(ctx, sql)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	for _, row := range rows {
		vals := make([]string, row.Len())
		for i := 0; i < row.Len(); i++ {
			vals[i] = fmt.Sprintf("%v", row.Get(i))
		}
		fmt.Println(strings.Join(vals, "\t"))
	}
	fmt.Fprintf(os.Stderr, "(%d rows, %s)\n", len(rows), time.Since(start).Round(time.Millisecond))
}
