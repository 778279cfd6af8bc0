// Package gossip announces book updates over libp2p pubsub. The ledger
// remains the only source of truth for order state; a gossip announcement is
// a latency hint that tells peers "my published book changed, refresh now"
// instead of waiting for their next poll.
package gossip

import (
	"context"
	"encoding/json"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/openclob/meshbook/pkg/book"
)

const topicBooks = "meshbook-book-updates"

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
	// OnRemoteUpdate runs for every update announced by a peer, typically
	// wired to the node's trigger so the contract re-evaluates promptly.
	OnRemoteUpdate func(book.Update)
}

// Publisher relays local book updates to the topic and surfaces peers'
// announcements through the configured callback.
type Publisher struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger

	onRemote func(book.Update)
	updates  chan book.Update
}

func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	p := &Publisher{
		h:        h,
		ps:       ps,
		log:      cfg.Logger,
		onRemote: cfg.OnRemoteUpdate,
		updates:  make(chan book.Update, 64),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			p.log.Warnw("gossip_bootstrap_failed", "addr", bs, "err", err)
		}
	}

	if p.topic, err = ps.Join(topicBooks); err != nil {
		h.Close()
		return nil, err
	}
	if p.sub, err = p.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	go p.publishLoop(ctx)
	go p.receiveLoop(ctx)

	p.log.Infow("gossip_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return p, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// BookChanged makes the publisher a book.Notifier. Never blocks; updates
// drop when the publish buffer is full, peers fall back to polling.
func (p *Publisher) BookChanged(u book.Update) {
	select {
	case p.updates <- u:
	default:
		p.log.Warnw("gossip_update_dropped", "contract", u.Contract)
	}
}

func (p *Publisher) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.updates:
			data, err := json.Marshal(u)
			if err != nil {
				p.log.Warnw("gossip_marshal_failed", "err", err)
				continue
			}
			if err := p.topic.Publish(ctx, data); err != nil {
				p.log.Warnw("gossip_publish_failed", "contract", u.Contract, "err", err)
			}
		}
	}
}

func (p *Publisher) receiveLoop(ctx context.Context) {
	for {
		msg, err := p.sub.Next(ctx)
		if err != nil {
			return // subscription closed or context done
		}
		if msg.ReceivedFrom == p.h.ID() {
			continue
		}
		var u book.Update
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			p.log.Warnw("gossip_invalid_update", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if p.onRemote != nil {
			p.onRemote(u)
		}
	}
}

func (p *Publisher) Close() error {
	p.sub.Cancel()
	return p.h.Close()
}
