package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"MoltChat/internal/chat"
	"MoltChat/internal/config"
	"MoltChat/internal/connection"
	"MoltChat/internal/identity"
	"MoltChat/internal/session"
	"MoltChat/internal/telemetry"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// maxLineBytes bounds a single line of user input
const maxLineBytes = 1 << 20

// Deps are the collaborators a ChatBot is built from. Tracer and Meter
// may be nil; In and Out default to the process stdio.
type Deps struct {
	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
	KV     identity.KV
	In     io.Reader
	Out    io.Writer
}

// ChatBot represents the main application
type ChatBot struct {
	config   config.Config
	logger   *slog.Logger
	identity *identity.Store
	conn     *connection.Manager
	channel  *chat.Channel
	sessions *session.Registry

	in    io.Reader
	out   io.Writer
	outMu sync.Mutex

	cleanup   []func()
	closeOnce sync.Once
}

// NewChatBot creates a ChatBot with file logging, telemetry and the
// SQLite state store set up from cfg
func NewChatBot(cfg config.Config, version string) (*ChatBot, error) {
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tracer, meter, cleanupTelemetry, err := telemetry.InitTelemetry(context.Background(), cfg.LogDir, version)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	kv, err := identity.OpenSQLite(cfg.StatePath)
	if err != nil {
		cleanupTelemetry()
		logFile.Close()
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	cb, err := New(cfg, Deps{
		Logger: logger,
		Tracer: tracer,
		Meter:  meter,
		KV:     kv,
	})
	if err != nil {
		kv.Close()
		cleanupTelemetry()
		logFile.Close()
		return nil, err
	}

	cb.cleanup = append(cb.cleanup,
		func() {
			if err := kv.Close(); err != nil {
				logger.Error("failed to close state store", "error", err)
			}
		},
		cleanupTelemetry,
		func() { logFile.Close() },
	)
	return cb, nil
}

// New wires a ChatBot from explicit dependencies
func New(cfg config.Config, deps Deps) (*ChatBot, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.In == nil {
		deps.In = os.Stdin
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}

	store, err := identity.NewStore(deps.KV, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity store: %w", err)
	}

	manager, err := connection.NewManager(connection.Options{
		Backoff: connection.Backoff{
			Min:    cfg.Reconnect.Delay(),
			Max:    cfg.Reconnect.DelayMax(),
			Factor: 2,
			Jitter: cfg.Reconnect.RandomizationFactor,
		},
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		Tracer:               deps.Tracer,
		Meter:                deps.Meter,
	}, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	channel, err := chat.NewChannel(manager, chat.NewTranscript(), deps.Meter, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat channel: %w", err)
	}

	registry := session.NewRegistry()
	for _, s := range cfg.Sessions {
		registry.Upsert(s)
	}

	cb := &ChatBot{
		config:   cfg,
		logger:   deps.Logger,
		identity: store,
		conn:     manager,
		channel:  channel,
		sessions: registry,
		in:       deps.In,
		out:      deps.Out,
	}

	session.Bind(manager, registry, deps.Logger)
	channel.Transcript().Subscribe(cb.printTurn)
	manager.OnStatus(cb.printStatus)

	return cb, nil
}

// WhoAmI resolves the identity stored at cfg.StatePath, creating it if
// this installation has none yet
func WhoAmI(cfg config.Config, logger *slog.Logger) (string, error) {
	kv, err := identity.OpenSQLite(cfg.StatePath)
	if err != nil {
		return "", err
	}
	defer kv.Close()

	store, err := identity.NewStore(kv, logger)
	if err != nil {
		return "", err
	}
	return store.ResolveUserID(), nil
}

func (cb *ChatBot) printf(format string, args ...interface{}) {
	cb.outMu.Lock()
	defer cb.outMu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

func (cb *ChatBot) println(s string) {
	cb.printf("%s\n", s)
}

// printTurn shows assistant turns as they land; user turns were typed
func (cb *ChatBot) printTurn(turn chat.Turn) {
	if turn.Role != chat.RoleAssistant {
		return
	}
	cb.println(renderTurn(turn))
}

func (cb *ChatBot) printStatus(s connection.State) {
	cb.println(renderStatus(s))
}

// send hands text to the channel, telling the user when it was dropped
func (cb *ChatBot) send(text string) {
	if cb.channel.Send(text) {
		return
	}
	cb.println(hintStyle.Render(fmt.Sprintf("Not connected (%s), message not sent", cb.conn.Status())))
}

// handleCommand handles slash commands
func (cb *ChatBot) handleCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/status":
		registered := "no"
		if cb.conn.Registered() {
			registered = "yes"
		}
		cb.printf("Status:     %s\nBackend:    %s\nRegistered: %s\n", renderStatus(cb.conn.Status()), cb.config.APIURL, registered)
		return false, nil

	case "/whoami":
		cb.printf("User: %s\n", cb.identity.ResolveUserID())
		return false, nil

	case "/sessions":
		cb.println(renderSessions(cb.sessions.Groups()))
		return false, nil

	case "/history":
		turns := cb.channel.Transcript().All()
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil || n < 0 {
				return false, fmt.Errorf("usage: /history [count]")
			}
			if n < len(turns) {
				turns = turns[len(turns)-n:]
			}
		}
		if len(turns) == 0 {
			cb.println(hintStyle.Render("No messages yet."))
			return false, nil
		}
		for _, turn := range turns {
			cb.println(renderTurn(turn))
		}
		return false, nil

	case "/help":
		cb.println("Available commands:")
		cb.println("  /quit, /exit       - Exit the client")
		cb.println("  /status            - Show connection status")
		cb.println("  /whoami            - Show your user id")
		cb.println("  /sessions          - List agent sessions")
		cb.println("  /history [count]   - Show the conversation so far")
		cb.println("  /help              - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (type /help)", parts[0])
	}
}

// Run connects to the backend and reads user input until /quit, EOF or
// ctx is cancelled
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.Close()

	userID := cb.identity.ResolveUserID()

	cb.println(headerStyle.Render("=== MoltChat ==="))
	cb.printf("Backend: %s\n", cb.config.APIURL)
	cb.printf("User:    %s\n", userID)
	cb.println(hintStyle.Render("Type /help for commands, /quit to exit"))
	cb.println("")

	if err := cb.conn.Connect(ctx, cb.config.APIURL, userID); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			cb.println("Goodbye!")
			return nil

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("failed to read input: %w", err)
					}
				default:
				}
				cb.println("Goodbye!")
				return nil
			}

			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}

			if strings.HasPrefix(input, "/") {
				shouldQuit, err := cb.handleCommand(input)
				if err != nil {
					cb.println(errorStyle.Render(fmt.Sprintf("Error: %v", err)))
					cb.logger.Debug("command error", "error", err)
				}
				if shouldQuit {
					cb.println("Goodbye!")
					return nil
				}
				continue
			}

			cb.send(line)
		}
	}
}

// Close disconnects and releases everything NewChatBot opened
func (cb *ChatBot) Close() error {
	var err error
	cb.closeOnce.Do(func() {
		err = cb.conn.Close()
		for _, fn := range cb.cleanup {
			fn()
		}
	})
	return err
}
