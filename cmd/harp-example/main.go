// harp-example is a stand-in game server that reports players joining and
// leaving to a local harpd once a second.
package main

import (
	"context"
	"flag"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/harplog/harp/action"
	"github.com/harplog/harp/client"
	"go.uber.org/zap"
)

type ActionKind int

const (
	PlayerJoin ActionKind = iota
	PlayerLeave
)

func (k ActionKind) KindKey() string {
	switch k {
	case PlayerJoin:
		return "player_join"
	case PlayerLeave:
		return "player_leave"
	default:
		return "unknown"
	}
}

type Player struct {
	ID uint32
	IP netip.Addr
}

func (p Player) Identity() (netip.Addr, uint32) { return p.IP, p.ID }

type leaveDetail struct {
	Reason string `json:"reason"`
}

func main() {
	host := flag.String("host", client.DefaultHost, "harpd host")
	port := flag.Int("port", client.DefaultPort, "harpd port")
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := client.DefaultOptions()
	opts.Logger = log
	sender, err := client.Start(ctx, client.Addr(*host, *port), opts)
	if err != nil {
		log.Fatal("failed to connect to harpd", zap.Error(err))
	}

	player := Player{ID: 1, IP: netip.MustParseAddr("127.0.0.1")}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// give the service a moment to flush its queue
			time.Sleep(200 * time.Millisecond)
			return
		case <-ticker.C:
			join := action.New(PlayerJoin, player)
			leave := action.MustWithDetail(PlayerLeave, leaveDetail{Reason: "lost connection"}, player)

			for _, a := range []action.Action{join, leave} {
				if err := sender.Send(a); err != nil {
					log.Error("action rejected", zap.Stringer("action", a), zap.Error(err))
				}
			}
		}
	}
}
