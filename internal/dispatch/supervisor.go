package dispatch

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultRestartDelay = 2 * time.Second

// Supervisor keeps one minion process per pool slot running, restarting them
// unconditionally whenever they exit.
type Supervisor struct {
	bin          string
	count        int
	pool         *Pool
	restartDelay time.Duration
	log          zerolog.Logger
}

func NewSupervisor(bin string, count int, pool *Pool, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		bin:          bin,
		count:        count,
		pool:         pool,
		restartDelay: defaultRestartDelay,
		log:          log.With().Str("part", "supervisor").Logger(),
	}
}

// Run spawns all workers and blocks until ctx is cancelled and every child
// has exited.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for id := 0; id < s.count; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.supervise(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		cmd := exec.CommandContext(ctx, s.bin, strconv.Itoa(id))
		cmd.Env = os.Environ()
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		s.log.Info().Int("worker", id).Msg("starting worker process")
		err := cmd.Run()

		// Liveness is flipped on by the worker dialing the control channel,
		// but flipped off here so a hung dial can't leave a ghost worker.
		s.pool.SetActive(id, false)

		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Int("worker", id).Err(err).
			Dur("restart_in", s.restartDelay).Msg("worker exited, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}
