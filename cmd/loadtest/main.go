// Command loadtest drives a running server with simulated chat clients. Each
// bot logs in under a generated username, starts conversations with other
// bots and exchanges messages at a configurable rate.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lourd/6005-guichat/pkg/protocol"
)

const chatter = "the quick brown fox jumps over the lazy dog while everyone watches and nobody says anything useful about it at all really"

var chatterWords = strings.Fields(chatter)

var nameParts = []string{"ada", "bix", "cor", "dex", "elm", "fay", "gus", "hal", "ivy", "jun", "kit", "lux", "mox", "ned", "oak", "pip", "quo", "rex", "sol", "tia"}

// generateUsername builds a unique name inside the server's length bounds
func generateUsername(id int) string {
	part1 := nameParts[rand.Intn(len(nameParts))]
	part2 := nameParts[rand.Intn(len(nameParts))]
	return fmt.Sprintf("%s%s%04d", part1, part2, id)
}

// stats tracks aggregate counters across all bots
type stats struct {
	messagesSent      atomic.Int64
	sendFailures      atomic.Int64
	messagesReceived  atomic.Int64
	eventsReceived    atomic.Int64
	errorsReceived    atomic.Int64
	connectionErrors  atomic.Int64
	totalResponseTime atomic.Int64 // microseconds
	responsesMatched  atomic.Int64
}

func (s *stats) recordReply(elapsed time.Duration) {
	s.responsesMatched.Add(1)
	s.totalResponseTime.Add(elapsed.Microseconds())
}

func (s *stats) avgResponseMs() float64 {
	matched := s.responsesMatched.Load()
	if matched == 0 {
		return 0
	}
	return float64(s.totalResponseTime.Load()) / float64(matched) / 1000.0
}

// roster is the shared directory of bots that finished logging in, so bots
// can pick real peers to converse with.
type roster struct {
	mu    sync.Mutex
	names []string
}

func (r *roster) add(name string) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}

func (r *roster) randomPeer(self string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.names) < 2 {
		return ""
	}
	for i := 0; i < 10; i++ {
		name := r.names[rand.Intn(len(r.names))]
		if name != self {
			return name
		}
	}
	return ""
}

// bot is one simulated client. A reader goroutine consumes everything the
// server sends; the main loop only writes.
type bot struct {
	username string
	conn     net.Conn
	stats    *stats
	log      zerolog.Logger

	convMu        sync.Mutex
	conversations []uint32

	// sentAt correlates a chat request with its delivery reply
	sentAt chan time.Time

	done chan struct{}
}

func newBot(id int, addr string, st *stats, log zerolog.Logger) (*bot, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	username := generateUsername(id)
	return &bot{
		username: username,
		conn:     conn,
		stats:    st,
		log:      log.With().Str("bot", username).Logger(),
		sentAt:   make(chan time.Time, 1),
		done:     make(chan struct{}),
	}, nil
}

// login consumes the welcome and performs the login exchange
func (b *bot) login() error {
	welcome, err := protocol.ReadMessage(b.conn)
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	if welcome.Code != protocol.CodeWelcome {
		return fmt.Errorf("unexpected welcome code %d", welcome.Code)
	}

	if err := protocol.WriteMessage(b.conn, &protocol.Message{
		Type: protocol.TypeLogin,
		User: b.username,
	}); err != nil {
		return err
	}

	reply, err := protocol.ReadMessage(b.conn)
	if err != nil {
		return fmt.Errorf("login reply: %w", err)
	}
	if reply.Code != protocol.CodeLoginOK {
		return fmt.Errorf("login rejected: code %d %q", reply.Code, reply.Status)
	}
	return nil
}

func (b *bot) recordConversation(id uint32) {
	b.convMu.Lock()
	b.conversations = append(b.conversations, id)
	b.convMu.Unlock()
}

func (b *bot) randomConversation() (uint32, bool) {
	b.convMu.Lock()
	defer b.convMu.Unlock()

	if len(b.conversations) == 0 {
		return 0, false
	}
	return b.conversations[rand.Intn(len(b.conversations))], true
}

// readLoop consumes replies and pushes, classifying them for the stats and
// harvesting conversation ids from start notifications.
func (b *bot) readLoop() {
	defer close(b.done)

	for {
		msg, err := protocol.ReadMessage(b.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		switch msg.Type {
		case protocol.TypeStart:
			if msg.ConversationID != nil {
				b.recordConversation(*msg.ConversationID)
			}
		case protocol.TypeMessage:
			switch msg.Code {
			case protocol.CodeDelivered, protocol.CodePartialDelivery:
				select {
				case start := <-b.sentAt:
					b.stats.recordReply(time.Since(start))
				default:
				}
			default:
				b.stats.messagesReceived.Add(1)
			}
		case protocol.TypeEvent, protocol.TypeFriends, protocol.TypeAdd:
			b.stats.eventsReceived.Add(1)
		case protocol.TypeError:
			b.stats.errorsReceived.Add(1)
		}
	}
}

// step performs one action: start a conversation with a random peer if the
// bot has none yet (or occasionally anyway), otherwise chat into one.
func (b *bot) step(bots *roster) {
	convID, hasConv := b.randomConversation()

	if !hasConv || rand.Float32() < 0.05 {
		peer := bots.randomPeer(b.username)
		if peer == "" {
			return
		}
		if err := protocol.WriteMessage(b.conn, &protocol.Message{
			Type: protocol.TypeStart,
			User: peer,
		}); err != nil {
			b.stats.sendFailures.Add(1)
		}
		return
	}

	wordCount := 3 + rand.Intn(10)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = chatterWords[rand.Intn(len(chatterWords))]
	}

	select {
	case b.sentAt <- time.Now():
	default:
	}
	if err := protocol.WriteMessage(b.conn, &protocol.Message{
		Type:           protocol.TypeMessage,
		ConversationID: &convID,
		Status:         strings.Join(words, " "),
	}); err != nil {
		b.stats.sendFailures.Add(1)
		return
	}
	b.stats.messagesSent.Add(1)
}

func (b *bot) run(bots *roster, deadline time.Time, minDelay, maxDelay time.Duration) {
	defer b.conn.Close()

	go b.readLoop()

	for time.Now().Before(deadline) {
		select {
		case <-b.done:
			return
		default:
		}

		b.step(bots)
		time.Sleep(minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)+1)))
	}

	_ = protocol.WriteMessage(b.conn, &protocol.Message{Type: protocol.TypeLogout})

	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:4444", "server address (host:port)")
	numClients := flag.Int("clients", 10, "number of concurrent bots")
	duration := flag.Duration("duration", time.Minute, "test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "minimum delay between actions")
	maxDelay := flag.Duration("max-delay", time.Second, "maximum delay between actions")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// Ramp bots up over the first quarter of the run
	staggerDelay := *duration / 4 / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Info().
		Str("server", *serverAddr).
		Int("clients", *numClients).
		Dur("duration", *duration).
		Dur("stagger", staggerDelay).
		Msg("starting load test")

	st := &stats{}
	bots := &roster{}
	deadline := time.Now().Add(*duration)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				log.Info().
					Int64("sent", st.messagesSent.Load()).
					Int64("received", st.messagesReceived.Load()).
					Int64("events", st.eventsReceived.Load()).
					Int64("errors", st.errorsReceived.Load()).
					Float64("avg_ms", st.avgResponseMs()).
					Msg("progress")
			case <-stop:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			b, err := newBot(id, *serverAddr, st, log)
			if err != nil {
				st.connectionErrors.Add(1)
				return
			}
			if err := b.login(); err != nil {
				st.connectionErrors.Add(1)
				log.Debug().Err(err).Msg("login failed")
				b.conn.Close()
				return
			}

			bots.add(b.username)
			b.run(bots, deadline, *minDelay, *maxDelay)
		}(i)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	close(stop)

	log.Info().
		Int64("sent", st.messagesSent.Load()).
		Int64("received", st.messagesReceived.Load()).
		Int64("events", st.eventsReceived.Load()).
		Int64("errors", st.errorsReceived.Load()).
		Int64("send_failures", st.sendFailures.Load()).
		Int64("connection_errors", st.connectionErrors.Load()).
		Float64("avg_ms", st.avgResponseMs()).
		Msg("load test finished")
}
