package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxguard/internal/api/handlers"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxguard/internal/transport"
	"github.com/drfirst/go-rxguard/pkg/circuitbreaker"
	"github.com/drfirst/go-rxguard/pkg/idempotency"
)

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Handle actions from the stream and publish replies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConsume(ctx)
		},
	}
}

func runConsume(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = a.cfg.Brokers()
	producer, err := redpanda.NewProducer(pcfg, a.logger.Named("producer"))
	if err != nil {
		return err
	}
	defer producer.Close()

	bcfg := circuitbreaker.DefaultConfig("replies")
	bcfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		a.metrics.CircuitBreakerState.WithLabelValues(name).Set(to.Value())
	}
	breaker, err := circuitbreaker.New(bcfg, a.logger)
	if err != nil {
		return err
	}
	a.metrics.CircuitBreakerState.WithLabelValues(breaker.Name()).Set(breaker.State().Value())

	store := a.store()
	inbox := idempotency.NewInbox(a.pool, idempotency.DefaultInboxConfig(), a.logger.Named("inbox"))
	replies := transport.NewReplyPublisher(producer, breaker, a.cfg.RepliesTopic, a.metrics, a.logger)
	dispatcher := transport.NewDispatcher(a.engine(store), inbox, replies, a.metrics, a.logger)

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = a.cfg.Brokers()
	ccfg.GroupID = a.cfg.ConsumerGroup
	ccfg.Topics = []string{a.cfg.ActionsTopic}
	ccfg.Workers = a.cfg.Workers
	consumer, err := redpanda.NewConsumer(ccfg, dispatcher.HandleMessage, a.logger.Named("consumer"))
	if err != nil {
		return err
	}

	a.logger.Info("consumer starting",
		zap.Strings("brokers", ccfg.Brokers),
		zap.String("topic", a.cfg.ActionsTopic),
		zap.String("group", ccfg.GroupID),
		zap.Int("workers", ccfg.Workers))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { inbox.Run(ctx); return nil })
	g.Go(func() error {
		return a.serveHTTP(ctx, handlers.NewRouter(nil, store, a.registry,
			handlers.RouterConfig{ServiceName: a.cfg.ServiceName}, a.logger.Named("http")))
	})
	return g.Wait()
}
