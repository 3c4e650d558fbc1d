package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"collabpad.io/backend/collab"
	"collabpad.io/backend/memdao"
	"collabpad.io/backend/redisdao"
)

const CollabCtlVersion = "0.1.0"

const (
	dbConnectAttempts = 5
	dbConnectDelay    = 5 * time.Second
)

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Collab pad backend.

Runs the websocket server for real-time collaborative editing sessions.

Usage:
    collabctl serve [--bind=<bind>] [--port=<port>]
        [--base_url=<base_url>]
        [--server_id=<server_id>]
        [--token_secret=<token_secret>]
        [--db=<db>]
        [--redis_address=<redis_address>]
        [--redis_password=<redis_password>]
        [--redis_db=<redis_db>]
        [--ping_interval=<ping_interval>] [--ping_timeout=<ping_timeout>]
        [--on_error=<on_error>]
        [-v...]

Options:
    -h --help                            Show this screen.
    --version                            Show version.
    --bind=<bind>                        Listen address [default: 0.0.0.0].
    --port=<port>                        Listen port [default: 8081].
    --base_url=<base_url>                Wiki farm base url for access control callbacks.
    --server_id=<server_id>              Server instance id. Generated when not set.
    --token_secret=<token_secret>        Verify access tokens locally with this HMAC secret
                                         instead of calling back to the wiki.
    --db=<db>                            Database backend, redis or memory [default: redis].
    --redis_address=<redis_address>      Redis address [default: 127.0.0.1:6379].
    --redis_password=<redis_password>    Redis password. Use - to read from stdin.
    --redis_db=<redis_db>                Redis database number [default: 0].
    --ping_interval=<ping_interval>      Client ping interval in ms [default: %d].
    --ping_timeout=<ping_timeout>        Client ping timeout in ms [default: %d].
    --on_error=<on_error>                Recovery behaviour when a change cannot be
                                         applied, reinit or drop [default: reinit].
    -v                                   Increase log verbosity.`,
		collab.DefaultConfig().PingIntervalMillis,
		collab.DefaultConfig().PingTimeoutMillis,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	initLogging(opts)

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func initLogging(opts docopt.Opts) {
	verbosity, _ := opts.Int("-v")
	flag.CommandLine.Parse([]string{})
	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(verbosity))
}

func serve(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals
		Out.Printf("Shutting down")
		cancel()
	}()

	config := serveConfig(opts)
	settings := collab.DefaultSocketSettings()

	var authorDAO collab.AuthorDAO
	var sessionDAO collab.SessionDAO

	db, _ := opts.String("--db")
	switch db {
	case "memory":
		authorDAO = memdao.NewAuthorDAO()
		sessionDAO = memdao.NewSessionDAO()
	case "redis":
		client := connectRedis(ctx, opts)
		defer client.Close()
		authorDAO = redisdao.NewAuthorDAO(ctx, client)
		sessionDAO = redisdao.NewSessionDAO(ctx, client)
	default:
		Err.Fatalf("Unknown database backend: %s", db)
	}

	var access collab.AccessController
	if config.TokenSecret != "" {
		access = collab.NewTokenAccessController(config.TokenSecret)
	} else if config.BaseURL != "" {
		access = collab.NewWikiAccessController(config.BaseURL)
	} else {
		Err.Fatalf("One of --base_url or --token_secret is required")
	}

	server := collab.NewSocketServer(ctx, config, settings, authorDAO, sessionDAO, access)
	defer server.Close()

	Out.Printf("Server %s listening on %s:%d", config.ServerID, config.BindAddress, config.Port)
	if err := server.ListenAndServe(); err != nil {
		Err.Fatalf("Server failed: %s", err)
	}
}

func serveConfig(opts docopt.Opts) *collab.Config {
	config := collab.DefaultConfig()
	if bind, err := opts.String("--bind"); err == nil {
		config.BindAddress = bind
	}
	if port, err := opts.Int("--port"); err == nil {
		config.Port = port
	}
	if baseURL, err := opts.String("--base_url"); err == nil {
		config.BaseURL = baseURL
	}
	if tokenSecret, err := opts.String("--token_secret"); err == nil {
		config.TokenSecret = tokenSecret
	}
	if serverID, err := opts.String("--server_id"); err == nil && serverID != "" {
		config.ServerID = serverID
	} else {
		config.ServerID = ulid.Make().String()
	}
	if pingInterval, err := opts.Int("--ping_interval"); err == nil {
		config.PingIntervalMillis = pingInterval
	}
	if pingTimeout, err := opts.Int("--ping_timeout"); err == nil {
		config.PingTimeoutMillis = pingTimeout
	}
	if onError, err := opts.String("--on_error"); err == nil {
		if onError != collab.BehaviourReinit && onError != collab.BehaviourDrop {
			Err.Fatalf("Unknown error behaviour: %s", onError)
		}
		config.BehaviourOnError = onError
	}
	return config
}

func connectRedis(ctx context.Context, opts docopt.Opts) *redis.Client {
	settings := redisdao.DefaultSettings()
	if address, err := opts.String("--redis_address"); err == nil {
		settings.Address = address
	}
	if db, err := opts.Int("--redis_db"); err == nil {
		settings.DB = db
	}
	if password, err := opts.String("--redis_password"); err == nil {
		if password == "-" {
			Out.Printf("Redis password: ")
			passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
			if err != nil {
				Err.Fatalf("Could not read password: %s", err)
			}
			password = string(passwordBytes)
		}
		settings.Password = password
	}

	// the database may still be coming up alongside this process
	for attempt := 1; ; attempt += 1 {
		client, err := redisdao.NewClient(ctx, settings)
		if err == nil {
			return client
		}
		glog.Errorf("Could not connect to redis at %s (attempt %d/%d): %v",
			settings.Address, attempt, dbConnectAttempts, err)
		if attempt >= dbConnectAttempts {
			Err.Fatalf("Giving up connecting to redis at %s", settings.Address)
		}
		select {
		case <-ctx.Done():
			Err.Fatalf("Interrupted while connecting to redis")
		case <-time.After(dbConnectDelay):
		}
	}
}
