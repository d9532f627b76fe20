package ids

import (
	"strconv"
	"sync"
	"time"
)

// 41 bits of milliseconds since epoch, 10 bits worker, 12 bits sequence.
type Generator struct {
	mu       sync.Mutex
	epochMS  int64
	workerID int64 // 0~1023
	seq      int64 // 0~4095
	lastMS   int64
}

func NewGenerator(workerID int64) *Generator {
	if workerID < 0 || workerID > 1023 {
		workerID = 1
	}
	return &Generator{
		epochMS:  time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		workerID: workerID,
	}
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := time.Now().UnixMilli()
		if now < g.lastMS {
			// 时钟回拨，等待
			time.Sleep(time.Duration(g.lastMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastMS {
			g.seq = (g.seq + 1) & 0xFFF
			if g.seq == 0 {
				// sequence exhausted for this millisecond
				for now <= g.lastMS {
					now = time.Now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastMS = now

		ts := (now - g.epochMS) & ((1 << 41) - 1)
		return (ts << 22) | (g.workerID << 12) | g.seq
	}
}

func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

var (
	defaultGen *Generator
	once       sync.Once
)

func initDefault() {
	once.Do(func() {
		defaultGen = NewGenerator(1)
	})
}

// Generate 静态方法：生成一个新的雪花ID
func Generate() int64 {
	initDefault()
	return defaultGen.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetWorkerID 设置 workerID（0~1023），可在 main() 初始化时调用
func SetWorkerID(workerID int64) {
	initDefault()
	if workerID < 0 || workerID > 1023 {
		workerID = 1
	}
	defaultGen.workerID = workerID
}
