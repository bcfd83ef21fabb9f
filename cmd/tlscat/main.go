//go:build linux

// Command tlscat connects to a TLS server, optionally sends a payload and
// copies everything the server sends to stdout.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brickingsoft/tlschan"
	"github.com/rs/zerolog"
)

func main() {
	var (
		addr       = flag.String("addr", "", "server address, host:port")
		configPath = flag.String("config", "", "config file (.toml, .yaml)")
		serverName = flag.String("servername", "", "tls server name, defaults to the config or the peer address")
		send       = flag.String("send", "", "payload written once the session is up")
		dialTime   = flag.Duration("dial-timeout", 10*time.Second, "tcp connect timeout")
	)
	flag.Parse()

	if err := run(*addr, *configPath, *serverName, *send, *dialTime); err != nil {
		fmt.Fprintf(os.Stderr, "tlscat: %v\n", err)
		os.Exit(1)
	}
}

func initLogger(level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", "tlscat").Logger()
}

func run(addr, configPath, serverName, send string, dialTimeout time.Duration) error {
	if addr == "" {
		return errors.New("-addr is required")
	}
	cfg := tlschan.DefaultConfig()
	if configPath != "" {
		loaded, err := tlschan.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := initLogger(level)
	tlschan.SetLogger(logger)

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	tlschan.SetSecurityPolicy(policy)
	options, err := cfg.Options()
	if err != nil {
		return err
	}
	if err = tlschan.Init(options...); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return err
	}
	loop, err := tlschan.NewLoop()
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer loop.Close()

	raw, err := tlschan.SocketFrom(loop, conn.(*net.TCPConn))
	_ = conn.Close()
	if err != nil {
		return err
	}
	tc, err := tlschan.Default()
	if err != nil {
		raw.Unref()
		return err
	}
	ch, err := tc.Wrap(ctx, raw, serverName)
	// the encrypted channel keeps its own reference
	raw.Unref()
	if err != nil {
		return err
	}
	defer ch.Unref()

	logger.Info().
		Str("addr", addr).
		Str("version", tls.VersionName(ch.Version())).
		Str("cipher", tls.CipherSuiteName(ch.CipherSuite())).
		Int("bits", ch.CipherBits()).
		Msg("session established")

	return pump(ctx, loop, ch, []byte(send), os.Stdout, logger)
}

// pump drives the loop until the server closes the stream.
func pump(ctx context.Context, loop *tlschan.Loop, ch *tlschan.EncryptedChannel, payload []byte, out io.Writer, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := errors.New("done")

	if len(payload) > 0 {
		if _, err := ch.AddWatch(tlschan.Out, func(c tlschan.Channel, cond tlschan.Condition) bool {
			n, err := c.Write(payload)
			switch {
			case tlschan.IsRetry(err):
				return true
			case err != nil:
				cancel(err)
				return false
			}
			payload = payload[n:]
			logger.Debug().Int("bytes", n).Msg("sent")
			return len(payload) > 0
		}); err != nil {
			return err
		}
	}

	buf := make([]byte, 16*1024)
	if _, err := ch.AddWatch(tlschan.In, func(c tlschan.Channel, cond tlschan.Condition) bool {
		n, err := c.Read(buf)
		switch {
		case tlschan.IsRetry(err):
			return true
		case errors.Is(err, io.EOF):
			cancel(done)
			return false
		case err != nil:
			cancel(err)
			return false
		}
		if _, err = out.Write(buf[:n]); err != nil {
			cancel(err)
			return false
		}
		return true
	}); err != nil {
		return err
	}

	err := loop.Run(ctx)
	if cause := context.Cause(ctx); cause != nil {
		if errors.Is(cause, done) {
			return nil
		}
		return cause
	}
	return err
}
