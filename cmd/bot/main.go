package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"estateplanner.dev/internal/protocol"
)

// The bot is a scripted ws client: it runs a build plan against a server and
// then follows the ledger for a while.
func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name    = flag.String("name", "bot", "client name")
		plan    = flag.String("plan", "BUILD:4:solar,BUILD:4:well", "comma separated KIND:plot[:arg] steps")
		ledgers = flag.Int("ledgers", 10, "ledger frames to follow after the plan (0 = exit)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	steps, err := parsePlan(*plan)
	if err != nil {
		logger.Fatalf("plan: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	b := &bot{conn: conn, log: logger, name: *name}
	if err := b.run(ctx, steps, *ledgers); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("%v", err)
	}
}

// parsePlan reads steps such as "BUILD:4:solar", "PURCHASE_PLOT:0",
// "RENAME:4:Home Base", "EXPAND:0:4" and "SET_POPULATION:0:12".
func parsePlan(s string) ([]protocol.ActionBody, error) {
	var out []protocol.ActionBody
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("step %q: want KIND:plot[:arg]", raw)
		}
		plot, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("step %q: bad plot: %w", raw, err)
		}
		a := protocol.ActionBody{Kind: strings.ToUpper(parts[0]), Plot: plot}
		arg := ""
		if len(parts) == 3 {
			arg = parts[2]
		}
		switch a.Kind {
		case "BUILD":
			a.StructureID = arg
		case "DEMOLISH":
			a.RuntimeID = arg
		case "RENAME":
			a.Name = arg
		case "EXPAND", "SET_POPULATION":
			if arg != "" {
				n, err := strconv.Atoi(arg)
				if err != nil {
					return nil, fmt.Errorf("step %q: bad number: %w", raw, err)
				}
				if a.Kind == "EXPAND" {
					a.Size = n
				} else {
					a.Population = n
				}
			}
		case "PURCHASE_PLOT", "RESET":
		default:
			return nil, fmt.Errorf("step %q: unknown kind", raw)
		}
		out = append(out, a)
	}
	return out, nil
}

type bot struct {
	conn *websocket.Conn
	log  *log.Logger
	name string

	session string
	last    protocol.LedgerMsg
	results []protocol.ResultMsg
}

func (b *bot) run(ctx context.Context, steps []protocol.ActionBody, follow int) error {
	go func() {
		<-ctx.Done()
		_ = b.conn.SetReadDeadline(time.Now())
	}()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      b.name,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 8},
	}
	if err := b.conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}
	var w protocol.WelcomeMsg
	if err := b.await(ctx, protocol.TypeWelcome, &w, nil); err != nil {
		return err
	}
	b.session = w.SessionID
	b.log.Printf("WELCOME session=%s estate=%s tick=%d dimension=%d", w.SessionID, w.EstateID, w.Tick, w.Params.Dimension)

	for i, step := range steps {
		reqID := fmt.Sprintf("%s-%d", b.name, i+1)
		act := protocol.ActMsg{Type: protocol.TypeAct, ProtocolVersion: protocol.Version, ReqID: reqID, Action: step}
		if err := b.conn.WriteJSON(act); err != nil {
			return fmt.Errorf("send ACT: %w", err)
		}
		var res protocol.ResultMsg
		match := func(raw []byte) bool {
			var r struct {
				ReqID string `json:"req_id"`
			}
			return json.Unmarshal(raw, &r) == nil && r.ReqID == reqID
		}
		if err := b.await(ctx, protocol.TypeResult, &res, match); err != nil {
			return err
		}
		b.results = append(b.results, res)
		if res.Accepted {
			b.log.Printf("%s %s plot=%d ok currency=%d", reqID, step.Kind, step.Plot, res.Currency)
		} else {
			b.log.Printf("%s %s plot=%d rejected %s: %s", reqID, step.Kind, step.Plot, res.Code, res.Message)
		}
	}

	for n := 0; n < follow; n++ {
		var l protocol.LedgerMsg
		if err := b.await(ctx, protocol.TypeLedger, &l, nil); err != nil {
			return err
		}
		runway := "unbounded"
		if l.Metrics.RunwayDays != nil {
			runway = strconv.FormatInt(*l.Metrics.RunwayDays, 10)
		}
		b.log.Printf("tick=%d currency=%d starved=%v runway=%s", l.Tick, l.Currency, l.Starved, runway)
	}
	return nil
}

// await reads frames until one of type typ (and accepted by match) arrives.
// LEDGER frames seen on the way update b.last.
func (b *bot) await(ctx context.Context, typ string, v any, match func([]byte) bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, msg, err := b.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read %s: %w", typ, err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		if base.Type == protocol.TypeLedger {
			var l protocol.LedgerMsg
			if json.Unmarshal(msg, &l) == nil {
				b.last = l
			}
		}
		if base.Type != typ || (match != nil && !match(msg)) {
			continue
		}
		return json.Unmarshal(msg, v)
	}
}
