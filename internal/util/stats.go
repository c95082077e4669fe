package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide chat traffic counter.
var Stats = &stats{}

type stats struct {
	MessagesSent atomic.Int64 // chat messages written to the data channel
	MessagesRecv atomic.Int64 // chat messages received from the data channel
	AcksRecv     atomic.Int64 // advisory delivery acks received
	BytesSent    atomic.Int64 // cumulative bytes written to the data channel
	BytesRecv    atomic.Int64 // cumulative bytes read from the data channel
}

func (s *stats) AddMessageSent(n int) {
	s.MessagesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddMessageRecv(n int) {
	s.MessagesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddAck() { s.AcksRecv.Add(1) }

// StartStatsReporter launches a goroutine that logs chat statistics every
// 30 seconds while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.MessagesSent.Load()
				recv := Stats.MessagesRecv.Load()

				if sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(fmt.Sprintf(
						"Sent: %d msg (%d B) | Recv: %d msg (%d B) | Acks: %d",
						sent, Stats.BytesSent.Load(),
						recv, Stats.BytesRecv.Load(),
						Stats.AcksRecv.Load(),
					))
				}

				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}
