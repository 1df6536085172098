package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	RecordEngineExecution("svc-1", "wf-1", "success", 10*time.Millisecond, 500)
	RecordSubmissionAttempt("eth-mainnet", "direct", "success", 21000)
	RecordPacketIngested("accepted")
	RecordQuorumReached("0xServiceManager")
	SetPendingWeight("event-1", 2)
	SetQueueDepth("triggers", 5)
	RecordDuplicateEventSeen("wf-1")
	RecordStreamReconnect("eth-mainnet")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "wavs_engine_executions_total")
	require.Contains(t, rec.Body.String(), "wavs_aggregator_quorum_reached_total")
}
