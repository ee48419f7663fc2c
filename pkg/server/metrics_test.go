package server

import "testing"

func TestNilMetricsRecordsNothing(t *testing.T) {
	var m *Metrics

	// Every recorder must be callable on a nil receiver
	m.RecordSessionCreated(1)
	m.RecordSessionClosed(0)
	m.RecordConnectionRejected()
	m.RecordConversationStarted(1)
	m.RecordConversationClosed(0)
	m.RecordMessageRouted()
	m.RecordDeliveryFailures(2)
	m.RecordFanout(3)
}
