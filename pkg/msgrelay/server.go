package msgrelay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/carlosiborra/msgrelay/pkg/delivery"
	"github.com/carlosiborra/msgrelay/pkg/directory"
	"github.com/carlosiborra/msgrelay/pkg/protocol"
)

// Server runs the msgrelay acceptor, the shared directory, and the
// optional debug metrics listener.
type Server struct {
	Logger        zerolog.Logger
	Addr          string
	MetricsAddr   string
	ShutdownGrace time.Duration

	Directory *directory.Directory
	Pusher    *delivery.Pusher
	Handler   *protocol.Handler

	reopenLog func()
	closed    bool
}

// NewServer configures a new server using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv).
func NewServer(c *Config) (*Server, error) {
	var s Server
	s.Addr = c.Addr
	s.MetricsAddr = c.MetricsAddr
	s.ShutdownGrace = c.ShutdownGrace

	l, reopen, err := configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	s.Logger = l
	s.reopenLog = reopen

	s.Directory = directory.New("")
	s.Pusher = delivery.New(c.PushTimeout, l.With().Str("component", "delivery").Logger())
	s.Handler = protocol.New(s.Directory, s.Pusher, l.With().Str("component", "protocol").Logger())

	return &s, nil
}

func configureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{
				Out: os.Stdout,
			}, c.LogStdoutLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogStdoutLevel))
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogFileLevel)
		if fn, err = filepath.Abs(fn); err != nil {
			err = fmt.Errorf("resolve log file: %w", err)
			return
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				if f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666); err == nil {
					return f
				} else {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
				}
				return nil
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return
}

// Run starts the listener and blocks until ctx is canceled. On
// cancellation, the listener is closed immediately (no new connections
// accepted); in-flight handlers get up to ShutdownGrace to finish before
// Run returns.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return net.ErrClosed
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr, err)
	}
	s.Logger.Log().Msgf("starting server on %s", s.Addr)

	var metricsSrv *http.Server
	if s.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", s.serveMetrics)
		metricsSrv = &http.Server{Addr: s.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.Logger.Err(err).Msg("metrics listener failed")
			}
		}()
	}

	var wg sync.WaitGroup
	errch := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				errch <- err
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Handler.Handle(conn)
			}()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errch:
		if metricsSrv != nil {
			metricsSrv.Close()
		}
		return err
	}

	s.closed = true
	s.Logger.Log().Msg("shutting down")
	ln.Close()
	if metricsSrv != nil {
		metricsSrv.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	grace := s.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		s.Logger.Warn().Msg("shutdown grace period elapsed with handlers still running")
	}
	s.Directory.Init()
	return nil
}

// HandleSIGHUP reopens the log file, matching the teacher's reload-on-SIGHUP
// convention, even though there is no other reloadable config in this
// domain.
func (s *Server) HandleSIGHUP() {
	if s.closed {
		return
	}
	if s.reopenLog != nil {
		s.reopenLog()
	}
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	var b bytes.Buffer
	metrics.WriteProcessMetrics(&b)
	s.Directory.Set().WritePrometheus(&b)
	s.Pusher.Set().WritePrometheus(&b)
	s.Handler.Set().WritePrometheus(&b)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
	w.WriteHeader(http.StatusOK)
	b.WriteTo(w)
}
