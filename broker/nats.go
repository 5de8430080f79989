package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is prepended to the item name to form the subject.
const DefaultSubjectPrefix = "canlink"

type publisherConn interface {
	Publish(subject string, data []byte) error
}

// Sample is the JSON body published for every value.
type Sample struct {
	Item  string    `json:"item"`
	Value float64   `json:"value"`
	Unit  string    `json:"unit,omitempty"`
	Time  time.Time `json:"time"`
}

// NATSPublisher publishes values to <prefix>.<item>.
type NATSPublisher struct {
	conn   publisherConn
	nc     *nats.Conn
	prefix string
	now    func() time.Time
}

func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	p := newPublisher(conn, prefix)
	p.nc = conn
	return p
}

func newPublisher(conn publisherConn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, now: time.Now}
}

// DialNATS connects to url and keeps reconnecting for the life of the process.
func DialNATS(url string, log *zap.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name("canlink"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATSPublisher(nc, DefaultSubjectPrefix), nil
}

func (p *NATSPublisher) Subject(item Item) string {
	return p.prefix + "." + item.String()
}

func (p *NATSPublisher) Publish(item Item, v float64) error {
	data, err := json.Marshal(Sample{
		Item:  item.String(),
		Value: v,
		Unit:  item.Unit(),
		Time:  p.now(),
	})
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(item), data)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
