package api

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/mktinbox/internal/outbox"
	"github.com/matheus3301/mktinbox/internal/store"
)

const (
	errorDomain      = "mktinbox"
	reasonSendFailed = "SEND_FAILED"
)

// withSendDetails attaches the failed entry's handle to st when err is a send
// failure, so clients can offer a retry without refetching the thread.
func withSendDetails(st *grpcstatus.Status, err error) *grpcstatus.Status {
	var se *outbox.SendError
	if !errors.As(err, &se) {
		return st
	}
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: reasonSendFailed,
		Domain: errorDomain,
		Metadata: map[string]string{
			"conversation_id": se.Handle.ConversationID,
			"temp_id":         se.Handle.TempID,
		},
	})
	if derr != nil {
		return st
	}
	return detailed
}

// FailedSend extracts the handle of a message that was not sent from an
// error returned by SendMessage or RetryMessage.
func FailedSend(err error) (store.Handle, bool) {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return store.Handle{}, false
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain || info.GetReason() != reasonSendFailed {
			continue
		}
		md := info.GetMetadata()
		if md["temp_id"] == "" {
			continue
		}
		return store.Handle{ConversationID: md["conversation_id"], TempID: md["temp_id"]}, true
	}
	return store.Handle{}, false
}
