package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/felixge/fgprof"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/talostrading/reactor"
)

var (
	flagListen = &cli.StringFlag{
		Name:    "listen",
		Aliases: []string{"l"},
		Value:   "127.0.0.1:8014",
		Usage:   "address of the echo listener.",
		EnvVars: []string{"REACTOR_LISTEN"},
	}
	flagHTTP = &cli.StringFlag{
		Name:    "http",
		Value:   "127.0.0.1:9014",
		Usage:   "address serving /metrics and /debug/fgprof; empty disables it.",
		EnvVars: []string{"REACTOR_HTTP"},
	}
	flagHeartbeat = &cli.DurationFlag{
		Name:  "heartbeat",
		Value: 10 * time.Second,
		Usage: "period of the stats heartbeat.",
	}
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "serve a tcp echo service on the reactor",
		Flags: []cli.Flag{
			flagListen,
			flagHTTP,
			flagHeartbeat,
		},
		Action: runAction,
	}
}

type daemon struct {
	r   *reactor.Reactor
	log *zap.Logger

	cs *reactor.ChannelSelector
	es *reactor.ErrorSelector

	errHandle *reactor.Handle
	cancel    context.CancelFunc
}

func runAction(ctx *cli.Context) error {
	log, err := newLogger(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	r, err := reactor.New(reactor.WithConfig(cfg), reactor.WithLogger(log))
	if err != nil {
		return err
	}
	defer r.Close()

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	d := &daemon{r: r, log: log, cancel: cancel}
	if err := d.setup(ctx); err != nil {
		return err
	}

	if addr := ctx.String(flagHTTP.Name); addr != "" {
		srv := d.serveHTTP(addr)
		defer srv.Close()
	}

	go func() {
		for err := range r.Errors() {
			log.Error("reactor failure, shutting down", zap.Error(err))
			cancel()
		}
	}()

	log.Info("reactor running",
		zap.Int("workers", cfg.Workers),
		zap.String("listen", ctx.String(flagListen.Name)))

	err = r.Run(runCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *daemon) setup(ctx *cli.Context) (err error) {
	if d.cs, err = reactor.NewChannelSelector(d.r); err != nil {
		return err
	}
	if d.es, err = reactor.NewErrorSelector(d.r); err != nil {
		return err
	}
	ts, err := reactor.NewTimerSelector(d.r)
	if err != nil {
		return err
	}
	ss, err := reactor.NewSignalSelector(d.r)
	if err != nil {
		return err
	}

	d.errHandle, err = d.es.Register(reactor.HandlerFunc(d.onError), reactor.OpError)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", ctx.String(flagListen.Name))
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	if _, err := d.cs.Register(ln.(*net.TCPListener), &acceptor{d: d, ln: ln}, reactor.OpAccept); err != nil {
		_ = ln.Close()
		return err
	}

	period := ctx.Duration(flagHeartbeat.Name)
	if _, err := ts.ScheduleFixedRate(reactor.HandlerFunc(d.onHeartbeat), reactor.OpTimer, period, period); err != nil {
		return err
	}

	_, err = ss.Register(reactor.HandlerFunc(d.onSignal), reactor.OpSignal, os.Interrupt, syscall.SIGTERM)
	return err
}

func (d *daemon) serveHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.r.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/debug/fgprof", fgprof.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("http server failed", zap.Error(err))
		}
	}()
	return srv
}

func (d *daemon) onHeartbeat(reactor.Commands, reactor.Event) {
	s := d.r.Stats()
	d.log.Info("heartbeat",
		zap.Int("registered", s.Registered),
		zap.Int("ready", s.Ready),
		zap.Int("parked", s.Parked),
		zap.Int64("dispatches", s.Latency.Count),
		zap.Int64("p99_us", s.Latency.P99))
}

func (d *daemon) onSignal(_ reactor.Commands, ev reactor.Event) {
	sig, _ := ev.Payload.Signal()
	d.log.Info("signal received, shutting down", zap.Stringer("signal", sig))
	d.cancel()
}

func (d *daemon) onError(_ reactor.Commands, ev reactor.Event) {
	if b, ok := ev.Payload.Bytes(); ok {
		d.log.Warn("echo dropped", zap.Int("bytes", len(b)))
		return
	}
	d.log.Warn("connection error", zap.Error(ev.Payload.Err()))
}

type acceptor struct {
	d  *daemon
	ln net.Listener
}

func (a *acceptor) HandleEvent(_ reactor.Commands, _ reactor.Event) {
	conn, err := a.ln.Accept()
	if err != nil {
		_ = a.d.es.Report(a.d.errHandle, errors.Wrap(err, "accept"))
		return
	}

	tc, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return
	}

	if _, err := a.d.cs.Register(tc, &echoConn{d: a.d, conn: tc}, reactor.OpRead); err != nil {
		_ = a.d.es.Report(a.d.errHandle, errors.Wrapf(err, "register %s", tc.RemoteAddr()))
		_ = tc.Close()
		return
	}
	a.d.log.Debug("accepted", zap.Stringer("remote", tc.RemoteAddr()))
}

type echoConn struct {
	d    *daemon
	conn *net.TCPConn
	b    [4096]byte
}

func (c *echoConn) HandleEvent(_ reactor.Commands, ev reactor.Event) {
	n, err := c.conn.Read(c.b[:])
	if err == nil {
		var written int
		written, err = c.conn.Write(c.b[:n])
		if err != nil && written < n {
			_ = c.d.es.ReportUndelivered(c.d.errHandle, c.b[written:n])
		}
	}
	if err == nil {
		return
	}

	if !errors.Is(err, io.EOF) {
		_ = c.d.es.Report(c.d.errHandle, errors.Wrapf(err, "echo %s", c.conn.RemoteAddr()))
	}
	// deregister before close so the descriptor leaves the multiplexer
	_ = c.d.r.Deregister(ev.Handle)
	_ = c.conn.Close()
}
