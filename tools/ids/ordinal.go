package ids

import (
	"sync"
	"time"
)

// Ordinal generation for message ordering. The durable store stamps
// every appended message with one of these; clients never see them
// directly but rely on the total order they induce within a room.
//
// Layout: 41 bits of millis since epoch, 10 bits node, 12 bits sequence.

type ordinalGen struct {
	mu       sync.Mutex
	epochMS  int64
	nodeID   int64 // 0~1023
	seq      int64 // 0~4095
	lastTSMS int64
}

var (
	defaultGen *ordinalGen
	once       sync.Once
)

func initDefault() {
	once.Do(func() {
		defaultGen = &ordinalGen{
			epochMS: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
			nodeID:  1,
		}
	})
}

// NextOrdinal returns a strictly increasing ordinal.
func NextOrdinal() int64 {
	initDefault()
	return defaultGen.next()
}

// SetNodeID sets the node component (0~1023). Call once at startup.
func SetNodeID(nodeID int64) {
	initDefault()
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	defaultGen.nodeID = nodeID
}

func (g *ordinalGen) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := time.Now().UnixMilli()
		if now < g.lastTSMS {
			// clock went backwards, wait it out
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & 0xFFF // 12 bits
			if g.seq == 0 {
				for now <= g.lastTSMS {
					now = time.Now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - g.epochMS) & ((1 << 41) - 1)
		return (ts << 22) | (g.nodeID << 12) | g.seq
	}
}
