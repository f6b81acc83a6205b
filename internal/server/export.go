package server

import (
	"encoding/json"
	"strings"

	"github.com/IBM/sarama"

	"go-imsdk/internal/logx"
	"go-imsdk/models"
)

// Exporter 把落库消息异步导出到 Kafka，供审计/离线推送等下游消费。
// nil Exporter 安全可用，全部方法为空操作。
type Exporter struct {
	async sarama.AsyncProducer
	topic string
}

func NewExporter(brokersCSV, topic string) (*Exporter, error) {
	brokers := []string{}
	if brokersCSV != "" {
		brokers = strings.Split(brokersCSV, ",")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = false
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Exporter{async: p, topic: topic}, nil
}

// MessageStored 导出一条已分配服务端序的消息。键取会话 id，保证同会话分区有序。
func (e *Exporter) MessageStored(m *models.Message) {
	if e == nil || e.async == nil {
		return
	}
	value, err := json.Marshal(m)
	if err != nil {
		logx.Warnf("export: marshal message %s: %v", m.ServerMsgID, err)
		return
	}
	e.async.Input() <- &sarama.ProducerMessage{
		Topic: e.topic,
		Key:   sarama.ByteEncoder(m.ConvID),
		Value: sarama.ByteEncoder(value),
	}
}

func (e *Exporter) Close() error {
	if e == nil || e.async == nil {
		return nil
	}
	return e.async.Close()
}
