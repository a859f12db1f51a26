// Package metrics exposes process-level Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamMessagesConsumed counts stream entries read, by stream.
	StreamMessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vexa_stream_messages_consumed_total",
		Help: "Stream entries read from the bus, by stream.",
	}, []string{"stream"})

	// StreamMessagesAcked counts acknowledged entries, by stream.
	StreamMessagesAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vexa_stream_messages_acked_total",
		Help: "Stream entries acknowledged after processing, by stream.",
	}, []string{"stream"})

	// StreamMessagesDropped counts entries acked-and-dropped due to
	// unrecoverable data errors, by stream.
	StreamMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vexa_stream_messages_dropped_total",
		Help: "Stream entries dropped due to unrecoverable data errors, by stream.",
	}, []string{"stream"})

	// SegmentsPromoted counts segments moved into the relational store.
	SegmentsPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vexa_segments_promoted_total",
		Help: "Settled segments persisted by the promoter.",
	})

	// SegmentsRejected counts segments dropped by the text filter.
	SegmentsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vexa_segments_rejected_total",
		Help: "Settled segments rejected by the text filter.",
	})

	// WebhookDeliveries counts webhook attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vexa_webhook_deliveries_total",
		Help: "Post-meeting webhook deliveries, by outcome.",
	}, []string{"outcome"})

	// BotsLaunched counts bot containers started.
	BotsLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vexa_bots_launched_total",
		Help: "Bot containers launched.",
	})
)
