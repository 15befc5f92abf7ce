// Package notify delivers login notifications produced by the engine.
//
// [KafkaPublisher] writes one JSON message per login to a Kafka topic, keyed
// by user id so a consumer sees each user's logins in order. [LogPublisher]
// writes them to a structured logger for deployments without a broker, and
// [Multi] fans a notification out to several publishers.
package notify
