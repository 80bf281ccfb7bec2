package relay

import (
	"context"
	"time"

	"firestige.xyz/camrelay/internal/eventloop"
	"firestige.xyz/camrelay/internal/log"
)

// Serve runs loop, starts r on it and blocks until the session ends. r must
// have been created on loop. Cancelling ctx shuts the relay down; if the
// drain takes longer than grace the pending transmission is aborted.
//
// Serve returns the Start error, the error that ended the session, or nil
// after a requested shutdown.
func Serve(ctx context.Context, loop *eventloop.Loop, r *Relay, grace time.Duration) error {
	started := make(chan error, 1)
	loop.Post(func() { started <- r.Start() })

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(context.Background()) }()
	defer func() {
		loop.Stop()
		<-loopDone
	}()

	select {
	case err := <-started:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		// Start still runs first; the shutdown below is queued behind it.
	}

	select {
	case <-r.Done():
		return r.Err()
	case <-ctx.Done():
	}

	r.RequestShutdown()
	if waitDone(r, grace) {
		return r.Err()
	}
	log.GetLogger().Warnf("relay did not drain within %s, aborting", grace)
	loop.Post(r.Abort)
	if !waitDone(r, grace) {
		log.GetLogger().Error("relay abort timed out")
	}
	return r.Err()
}

func waitDone(r *Relay, d time.Duration) bool {
	if d <= 0 {
		<-r.Done()
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.Done():
		return true
	case <-t.C:
		return false
	}
}
