// reactorctl is a minimal runnable example wiring a Processor as a
// sender in one goroutine and as a receiver in another, over the
// process-wide embedded driver. It exists to exercise the public
// package end to end outside of its test suite, the way the teacher
// repo's examples/ directory exercises libngrok-go.
package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/bhdrk/reactor-ipc/log/log15adapter"
	"github.com/bhdrk/reactor-ipc/reactor"
)

// lineUpstream is a toy Subscription: each Request(n) reads up to n
// lines from stdin and pushes them through onNext synchronously, in
// lieu of wiring a real async source for this example. Request blocks
// the dispatcher goroutine that calls it on stdin, which is fine for a
// single-terminal demo and wrong for anything serving real traffic.
type lineUpstream struct {
	proc   *reactor.Processor
	reader *bufio.Scanner
}

func (u *lineUpstream) Request(n uint64) {
	for i := uint64(0); i < n; i++ {
		if !u.reader.Scan() {
			u.proc.OnComplete()
			return
		}
		u.proc.OnNext([]byte(u.reader.Text()))
	}
}

func (u *lineUpstream) Cancel() {}

type printingSubscriber struct {
	name string
}

func (s *printingSubscriber) OnSubscribe(sub reactor.Subscription) {
	sub.Request(reactor.Unbounded)
}

func (s *printingSubscriber) OnNext(payload []byte) {
	fmt.Printf("[%s] %s\n", s.name, string(payload))
}

func (s *printingSubscriber) OnError(err error) {
	fmt.Printf("[%s] error: %v\n", s.name, err)
}

func (s *printingSubscriber) OnComplete() {
	fmt.Printf("[%s] complete\n", s.name)
}

func main() {
	log15.Root().SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StdoutHandler))
	logger := log15adapter.New(log15.Root())

	ctx, err := reactor.NewContext(
		"reactorctl",
		reactor.WithEmbeddedDriver(),
		reactor.WithMulticast(true),
		reactor.WithHeartbeat(time.Second, 5*time.Second),
		reactor.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid reactor context: %v\n", err)
		os.Exit(1)
	}

	sender := reactor.New(ctx)
	defer sender.Close()

	upstream := &lineUpstream{proc: sender, reader: bufio.NewScanner(os.Stdin)}
	sender.OnSubscribe(upstream)

	receiverCtx, err := reactor.NewContext(
		"reactorctl",
		reactor.WithEmbeddedDriver(),
		reactor.WithHeartbeat(time.Second, 5*time.Second),
		reactor.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid reactor context: %v\n", err)
		os.Exit(1)
	}
	receiver := reactor.New(receiverCtx)
	defer receiver.Close()
	receiver.Subscribe(&printingSubscriber{name: "stdin-echo"})

	fmt.Println("type lines; they will be echoed back through the reactor pipe. Ctrl-D to stop.")
	select {}
}
