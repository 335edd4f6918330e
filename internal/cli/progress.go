package cli

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

const statusRefresh = 250 * time.Millisecond

type stopFunc func()

// startTranscribeStatus shows which file and model are busy and how long the
// decode has been running. The returned function clears the line; calling it
// again is a no-op.
func startTranscribeStatus(enabled bool, file, model string) stopFunc {
	if !enabled {
		return func() {}
	}

	started := time.Now()
	status := progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription(statusLine(file, model, 0)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(11),
		progressbar.OptionSetElapsedTime(false),
		progressbar.OptionClearOnFinish(),
	)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(statusRefresh)
		defer tick.Stop()

		for {
			select {
			case <-quit:
				_ = status.Finish()
				return
			case <-tick.C:
				status.Describe(statusLine(file, model, time.Since(started)))
				_ = status.Add(1)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			wg.Wait()
		})
	}
}

func statusLine(file, model string, elapsed time.Duration) string {
	return fmt.Sprintf("Transcribing %s with %s · %ds", file, model, int(elapsed.Seconds()))
}
