// Package notify delivers alert transitions to email, SMS and Kafka.
//
// Email and SMS send one message per newly created alert at or above their
// minimum severity, at most once per channel cooldown, and number the
// messages they send. Both implement Channel, which the API uses to report
// status and send test messages. SMS goes through the Twilio REST API.
// KafkaPublisher writes every transition as JSON to a topic, keyed by alert
// id so all transitions of one alert land on one partition.
// All are registered with alerts.Manager.Subscribe. Delivery failures are
// logged and counted and never affect alert state.
package notify
