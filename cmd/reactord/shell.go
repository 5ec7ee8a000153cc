package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/luci/go-render/render"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/talostrading/reactor"
)

var shellUsage = `commands:
  queue NAME                 register a queue
  offer NAME VALUE...        offer values to a queue
  after NAME DURATION        one-shot timer
  every NAME DURATION        fixed rate timer
  cancel NAME                cancel a timer
  lock NAME QUEUE...         lock the handlers of queues
  release NAME               release a lock
  enable NAME | disable NAME toggle delivery
  drop NAME                  deregister
  stats                      reactor stats
  latency                    handler latency percentiles
  exit`

func shellCommand() *cli.Command {
	return &cli.Command{
		Name:  "shell",
		Usage: "drive queues, timers and locks interactively",
		Action: func(ctx *cli.Context) error {
			log, err := newLogger(ctx)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt: "reactor> ",
				AutoComplete: readline.NewPrefixCompleter(
					readline.PcItem("queue"),
					readline.PcItem("offer"),
					readline.PcItem("after"),
					readline.PcItem("every"),
					readline.PcItem("cancel"),
					readline.PcItem("lock"),
					readline.PcItem("release"),
					readline.PcItem("enable"),
					readline.PcItem("disable"),
					readline.PcItem("drop"),
					readline.PcItem("stats"),
					readline.PcItem("latency"),
					readline.PcItem("exit"),
				),
				HistoryFile: filepath.Join(os.TempDir(), "reactord_history"),
			})
			if err != nil {
				return err
			}
			defer rl.Close()
			rl.CaptureExitSignal()

			r, err := reactor.New(reactor.WithConfig(cfg), reactor.WithLogger(log))
			if err != nil {
				return err
			}
			defer r.Close()

			sh, err := newShell(r, rl.Stdout())
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()
			go func() {
				_ = r.Run(runCtx)
			}()

			for {
				line, err := rl.Readline()
				if err != nil {
					if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				line = strings.TrimSpace(line)
				if line == "exit" {
					return nil
				}
				if err := sh.exec(line); err != nil {
					sh.printf("error: %v\n", err)
				}
			}
		},
	}
}

// shell names the handles it creates so commands can refer to them.
type shell struct {
	r  *reactor.Reactor
	qs *reactor.QueueSelector
	ts *reactor.TimerSelector

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	handles  map[string]*reactor.Handle
	handlers map[string]*shellHandler
	queues   map[string]*reactor.Queue[string]
}

func newShell(r *reactor.Reactor, out io.Writer) (*shell, error) {
	qs, err := reactor.NewQueueSelector(r)
	if err != nil {
		return nil, err
	}
	ts, err := reactor.NewTimerSelector(r)
	if err != nil {
		return nil, err
	}
	return &shell{
		r:        r,
		qs:       qs,
		ts:       ts,
		out:      out,
		handles:  make(map[string]*reactor.Handle),
		handlers: make(map[string]*shellHandler),
		queues:   make(map[string]*reactor.Queue[string]),
	}, nil
}

func (s *shell) printf(format string, args ...interface{}) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

type shellHandler struct {
	s    *shell
	name string
}

func (h *shellHandler) HandleEvent(_ reactor.Commands, ev reactor.Event) {
	switch ev.Handle.Kind() {
	case reactor.KindQueue:
		h.s.mu.Lock()
		q := h.s.queues[h.name]
		h.s.mu.Unlock()
		if q != nil {
			h.s.printf("[%s] %s %s\n", h.name, ev.Ready, strings.Join(q.Drain(), " "))
		}
	default:
		h.s.printf("[%s] %s\n", h.name, ev.Ready)
	}
}

func (s *shell) exec(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "help":
		s.printf("%s\n", shellUsage)
		return nil
	case "stats":
		s.printf("%s\n", render.Render(s.r.Stats()))
		return nil
	case "latency":
		s.outMu.Lock()
		s.r.Latency().Report(s.out, 0)
		s.outMu.Unlock()
		return nil
	case "queue":
		return s.withName(args, 1, s.queue)
	case "offer":
		return s.offer(args)
	case "after", "every":
		return s.timer(cmd, args)
	case "cancel":
		return s.withName(args, 1, func(name string, _ []string) error {
			h, err := s.handle(name)
			if err != nil {
				return err
			}
			s.printf("cancelled: %v\n", s.r.Cancel(h))
			return nil
		})
	case "lock":
		return s.lock(args)
	case "release":
		return s.withName(args, 1, func(name string, _ []string) error {
			h, err := s.handle(name)
			if err != nil {
				return err
			}
			if err := s.r.ReleaseLock(h); err != nil {
				return err
			}
			s.forget(name)
			return nil
		})
	case "enable", "disable":
		return s.withName(args, 1, func(name string, _ []string) error {
			return s.toggle(name, cmd == "enable")
		})
	case "drop":
		return s.withName(args, 1, func(name string, _ []string) error {
			h, err := s.handle(name)
			if err != nil {
				return err
			}
			if err := s.r.Deregister(h); err != nil {
				return err
			}
			s.forget(name)
			return nil
		})
	default:
		return errors.Errorf("unknown command %q, try help", cmd)
	}
}

func (s *shell) withName(args []string, n int, fn func(string, []string) error) error {
	if len(args) < n {
		return errors.Errorf("expected at least %d arguments", n)
	}
	return fn(args[0], args[1:])
}

func (s *shell) handle(name string) (*reactor.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[name]
	if !ok {
		return nil, errors.Errorf("no handle named %s", name)
	}
	return h, nil
}

// claim reserves name for a new handle and returns its handler.
func (s *shell) claim(name string) (*shellHandler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[name]; ok {
		return nil, errors.Errorf("%s already exists", name)
	}
	handler := &shellHandler{s: s, name: name}
	s.handlers[name] = handler
	return handler, nil
}

func (s *shell) bind(name string, h *reactor.Handle) {
	s.mu.Lock()
	s.handles[name] = h
	s.mu.Unlock()
	s.printf("%s -> %s\n", name, h)
}

func (s *shell) forget(name string) {
	s.mu.Lock()
	delete(s.handles, name)
	delete(s.handlers, name)
	delete(s.queues, name)
	s.mu.Unlock()
}

func (s *shell) queue(name string, _ []string) error {
	handler, err := s.claim(name)
	if err != nil {
		return err
	}

	q := reactor.NewQueue[string]()
	s.mu.Lock()
	s.queues[name] = q
	s.mu.Unlock()

	h, err := s.qs.Register(q, handler, reactor.OpQRead)
	if err != nil {
		s.forget(name)
		return err
	}
	s.bind(name, h)
	return nil
}

func (s *shell) offer(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: offer NAME VALUE...")
	}
	s.mu.Lock()
	q, ok := s.queues[args[0]]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("no queue named %s", args[0])
	}
	q.AddAll(args[1:]...)
	return nil
}

func (s *shell) timer(cmd string, args []string) error {
	if len(args) != 2 {
		return errors.Errorf("usage: %s NAME DURATION", cmd)
	}
	d, err := time.ParseDuration(args[1])
	if err != nil {
		return errors.Wrap(err, "duration")
	}

	handler, err := s.claim(args[0])
	if err != nil {
		return err
	}

	var h *reactor.Handle
	if cmd == "after" {
		h, err = s.ts.ScheduleAfter(handler, reactor.OpTimer, d)
	} else {
		h, err = s.ts.ScheduleFixedRate(handler, reactor.OpTimer, d, d)
	}
	if err != nil {
		s.forget(args[0])
		return err
	}
	s.bind(args[0], h)
	return nil
}

func (s *shell) lock(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: lock NAME QUEUE...")
	}

	s.mu.Lock()
	members := make([]reactor.Handler, 0, len(args)-1)
	for _, name := range args[1:] {
		member, ok := s.handlers[name]
		if !ok {
			s.mu.Unlock()
			return errors.Errorf("no handler named %s", name)
		}
		members = append(members, member)
	}
	s.mu.Unlock()

	handler, err := s.claim(args[0])
	if err != nil {
		return err
	}
	h, err := s.r.Lock(handler, members...)
	if err != nil {
		s.forget(args[0])
		return err
	}
	s.bind(args[0], h)
	return nil
}

func (s *shell) toggle(name string, enable bool) error {
	h, err := s.handle(name)
	if err != nil {
		return err
	}
	ops := reactor.OpNoop
	if enable {
		ops = h.Kind().ValidOps()
	}
	return s.r.SetInterestOps(h, ops)
}
