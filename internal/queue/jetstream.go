package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrNatsConnect = errors.New("nats connection error")
	ErrStreamSetup = errors.New("jetstream stream setup error")
)

// JetStream implements Queue with one work queue stream per queue name.
//
// Messages are removed from a stream once acknowledged, a durable pull consumer
// per queue hands them out to the stage processes.
type JetStream struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	logger  *logrus.Logger
	options *app.NatsOptions

	mu   sync.Mutex
	subs map[Name]*nats.Subscription
}

// NewJetStream connects to the NATS server and sets up the pipeline streams.
func NewJetStream(ctx context.Context, options *app.NatsOptions, logger *logrus.Logger) (*JetStream, error) {
	opts, err := connectOptions(options, logger)
	if err != nil {
		return nil, err
	}

	conn, err := nats.Connect(options.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(ErrNatsConnect, err.Error())
	}

	q, err := NewJetStreamFromConn(ctx, conn, options, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return q, nil
}

// NewJetStreamFromConn sets up the pipeline streams on an established connection.
func NewJetStreamFromConn(ctx context.Context, conn *nats.Conn, options *app.NatsOptions, logger *logrus.Logger) (*JetStream, error) {
	js, err := conn.JetStream(nats.MaxWait(options.ConnectTimeout))
	if err != nil {
		return nil, errors.Wrap(ErrNatsConnect, err.Error())
	}

	q := &JetStream{
		conn:    conn,
		js:      js,
		logger:  logger,
		options: options,
		subs:    map[Name]*nats.Subscription{},
	}

	for _, name := range Names() {
		if err := q.ensureStream(ctx, name); err != nil {
			return nil, err
		}
	}

	return q, nil
}

func connectOptions(options *app.NatsOptions, logger *logrus.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(model.AppName),
		nats.Timeout(options.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	}

	switch {
	case options.CredsFile != "":
		opts = append(opts, nats.UserCredentials(options.CredsFile))
	case options.User != "":
		opts = append(opts, nats.UserInfo(options.User, options.Password))
	}

	if options.TLSCert != "" || options.TLSCA != "" {
		tlsConfig, err := clientTLSConfig(options)
		if err != nil {
			return nil, err
		}

		opts = append(opts, nats.Secure(tlsConfig))
	}

	return opts, nil
}

func clientTLSConfig(options *app.NatsOptions) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if options.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(options.TLSCert, options.TLSKey)
		if err != nil {
			return nil, errors.Wrap(ErrNatsConnect, "client certificate: "+err.Error())
		}

		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if options.TLSCA != "" {
		pem, err := os.ReadFile(options.TLSCA)
		if err != nil {
			return nil, errors.Wrap(ErrNatsConnect, "CA certificate: "+err.Error())
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Wrap(ErrNatsConnect, "no certificates found in "+options.TLSCA)
		}

		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func (q *JetStream) ensureStream(ctx context.Context, name Name) error {
	cfg := &nats.StreamConfig{
		Name:        name.Stream(),
		Description: fmt.Sprintf("%s %s queue", model.AppName, name),
		Subjects:    []string{name.Subject()},
		Retention:   nats.WorkQueuePolicy,
		Storage:     nats.FileStorage,
		Replicas:    q.options.Replicas,
		Duplicates:  q.options.DuplicateWindow,
	}

	_, err := q.js.StreamInfo(cfg.Name, nats.Context(ctx))
	switch {
	case err == nil:
		if _, err = q.js.UpdateStream(cfg, nats.Context(ctx)); err != nil {
			return errors.Wrap(ErrStreamSetup, name.Stream()+": "+err.Error())
		}
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err = q.js.AddStream(cfg, nats.Context(ctx)); err != nil {
			return errors.Wrap(ErrStreamSetup, name.Stream()+": "+err.Error())
		}
	default:
		return errors.Wrap(ErrStreamSetup, name.Stream()+": "+err.Error())
	}

	return nil
}

// Publish implements the Queue interface.
func (q *JetStream) Publish(ctx context.Context, name Name, payload []byte, msgID string) error {
	if !name.valid() {
		return errors.Wrap(ErrQueueName, string(name))
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}

	ack, err := q.js.Publish(name.Subject(), payload, opts...)
	if err != nil {
		return errors.Wrap(ErrPublish, err.Error())
	}

	if ack.Duplicate {
		q.logger.WithFields(logrus.Fields{
			"queue": name,
			"msgID": msgID,
		}).Debug("duplicate publish dropped by the queue")
	}

	return nil
}

func (q *JetStream) subscription(name Name) (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sub, ok := q.subs[name]; ok {
		return sub, nil
	}

	durable := fmt.Sprintf("%s-%s", model.AppName, name)

	sub, err := q.js.PullSubscribe(
		name.Subject(),
		durable,
		nats.BindStream(name.Stream()),
		nats.AckExplicit(),
		nats.AckWait(q.options.AckWait),
	)
	if err != nil {
		return nil, errors.Wrap(ErrConsume, err.Error())
	}

	q.subs[name] = sub

	return sub, nil
}

// Consume implements the Queue interface.
func (q *JetStream) Consume(ctx context.Context, name Name, timeout time.Duration) (Delivery, error) {
	if !name.valid() {
		return nil, errors.Wrap(ErrQueueName, string(name))
	}

	sub, err := q.subscription(name)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrEmpty
		}

		return nil, errors.Wrap(ErrConsume, err.Error())
	}

	if len(msgs) == 0 {
		return nil, ErrEmpty
	}

	return &jsDelivery{msg: msgs[0]}, nil
}

// Peek implements the Queue interface.
func (q *JetStream) Peek(ctx context.Context, name Name) ([]byte, error) {
	if !name.valid() {
		return nil, errors.Wrap(ErrQueueName, string(name))
	}

	info, err := q.js.StreamInfo(name.Stream(), nats.Context(ctx))
	if err != nil {
		return nil, errors.Wrap(ErrQueueInfo, err.Error())
	}

	if info.State.Msgs == 0 {
		return nil, ErrEmpty
	}

	msg, err := q.js.GetMsg(name.Stream(), info.State.FirstSeq, nats.Context(ctx))
	if err != nil {
		return nil, errors.Wrap(ErrQueueInfo, err.Error())
	}

	return msg.Data, nil
}

// Length implements the Queue interface.
func (q *JetStream) Length(ctx context.Context, name Name) (uint64, error) {
	if !name.valid() {
		return 0, errors.Wrap(ErrQueueName, string(name))
	}

	info, err := q.js.StreamInfo(name.Stream(), nats.Context(ctx))
	if err != nil {
		return 0, errors.Wrap(ErrQueueInfo, err.Error())
	}

	return info.State.Msgs, nil
}

// JetStreamContext returns the JetStream handle, the dedup store shares the connection.
func (q *JetStream) JetStreamContext() nats.JetStreamContext {
	return q.js
}

// Close implements the Queue interface.
//
// Subscriptions are not unsubscribed so the durable consumers stay on the server.
func (q *JetStream) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.subs = map[Name]*nats.Subscription{}

	q.conn.Close()

	return nil
}

type jsDelivery struct {
	msg *nats.Msg
}

func (d *jsDelivery) Data() []byte {
	return d.msg.Data
}

func (d *jsDelivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}

	return int(meta.NumDelivered)
}

func (d *jsDelivery) Ack() error {
	return d.msg.Ack()
}

func (d *jsDelivery) Retry(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

func (d *jsDelivery) InProgress() error {
	return d.msg.InProgress()
}
