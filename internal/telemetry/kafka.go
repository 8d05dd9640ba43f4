package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"mercutio-route/pkg/circuit"
	apperrors "mercutio-route/pkg/errors"
	"mercutio-route/pkg/secrets"
	"mercutio-route/pkg/types"
)

var kafkaEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "routing_telemetry_kafka_events_total",
		Help: "Telemetry events published to Kafka, by outcome",
	},
	[]string{"outcome"},
)

// KafkaSink fans telemetry events out to a Kafka topic, grounded on the
// teacher's Sarama producer setup (SASL/SCRAM auth, compression codec
// mapping, circuit-breaker wrapping) but reduced to fire-and-forget async
// publishing of one envelope per event instead of batched log entries.
type KafkaSink struct {
	config   types.KafkaTelemetryConfig
	logger   *logrus.Logger
	producer sarama.AsyncProducer
	breaker  *circuit.Breaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaSink builds and starts a KafkaSink. secretManager resolves
// config.SASLSecret via its "kafka" namespace when SASL auth is configured
// via a secret reference rather than a literal password.
func NewKafkaSink(config types.KafkaTelemetryConfig, logger *logrus.Logger, secretManager *secrets.MultiSecretsManager) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, apperrors.ConfigError("new-kafka-sink", "no brokers configured")
	}
	if config.Topic == "" {
		return nil, apperrors.ConfigError("new-kafka-sink", "no topic configured")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal

	switch strings.ToLower(config.Compression) {
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if config.SASLUser != "" {
		password := config.SASLSecret
		if secretManager != nil && password != "" {
			if resolved, err := secretManager.GetKafkaSecret(context.Background(), password); err == nil {
				password = resolved
			} else {
				logger.WithError(err).Warn("kafka telemetry: failed to resolve SASL secret, using raw value")
			}
		}
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUser
		saramaConfig.Net.SASL.Password = password
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
		}
	}

	producer, err := sarama.NewAsyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("kafka telemetry: failed to create producer: %w", err)
	}

	breaker := circuit.NewBreaker(circuit.BreakerConfig{
		Name:             "kafka-telemetry",
		FailureThreshold: 10,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &KafkaSink{
		config:   config,
		logger:   logger,
		producer: producer,
		breaker:  breaker,
		ctx:      ctx,
		cancel:   cancel,
	}

	sink.wg.Add(1)
	go sink.drainResponses()

	logger.WithFields(logrus.Fields{
		"brokers": config.Brokers,
		"topic":   config.Topic,
	}).Info("kafka telemetry sink started")

	return sink, nil
}

// Stop flushes and closes the underlying producer.
func (k *KafkaSink) Stop() error {
	k.cancel()
	err := k.producer.Close()
	k.wg.Wait()
	return err
}

func (k *KafkaSink) drainResponses() {
	defer k.wg.Done()
	for {
		select {
		case <-k.producer.Successes():
		case err, ok := <-k.producer.Errors():
			if !ok {
				return
			}
			k.logger.WithError(err).Warn("kafka telemetry: publish failed")
		case <-k.ctx.Done():
			return
		}
	}
}

func (k *KafkaSink) publish(e envelope) {
	raw, err := json.Marshal(e)
	if err != nil {
		k.logger.WithError(err).Warn("kafka telemetry: failed to marshal envelope")
		return
	}

	err = k.breaker.Execute(func() error {
		select {
		case k.producer.Input() <- &sarama.ProducerMessage{
			Topic: k.config.Topic,
			Key:   sarama.StringEncoder(e.SeriesUID),
			Value: sarama.ByteEncoder(raw),
		}:
			return nil
		default:
			return fmt.Errorf("kafka telemetry: producer input full")
		}
	})
	if err != nil {
		kafkaEventsTotal.WithLabelValues("dropped").Inc()
		k.logger.WithError(err).Debug("kafka telemetry: publish dropped")
		return
	}
	kafkaEventsTotal.WithLabelValues("published").Inc()
}

func (k *KafkaSink) SendEvent(channel string, severity types.EventSeverity, message string) {
	k.publish(envelope{Timestamp: time.Now(), Kind: "event", Channel: channel, Severity: string(severity), Message: message})
}

func (k *KafkaSink) SendSeriesEvent(kind types.SeriesEventKind, seriesUID string, fileCount int, context, info string) {
	k.publish(envelope{
		Timestamp: time.Now(), Kind: string(kind), SeriesUID: seriesUID,
		FileCount: fileCount, Context: context, Message: info,
	})
}

func (k *KafkaSink) SendRegisterSeries(doc types.TagDocument) {
	k.publish(envelope{Timestamp: time.Now(), Kind: string(types.EventRegistered), StudyUID: doc.StudyInstanceUID()})
}

func (k *KafkaSink) SendSeriesSequenceData(seriesUID string, sequence map[string]interface{}) {
	k.publish(envelope{Timestamp: time.Now(), Kind: "sequence", SeriesUID: seriesUID, Sequence: sequence})
}
