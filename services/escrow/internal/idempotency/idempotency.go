// Package idempotency replays stored responses for retried mutations.
// Callers supply an Idempotency-Key; a retry with the same key, subject
// and endpoint gets the original response back instead of a second
// execution.
package idempotency

import "context"

type Store interface {
	GetIdempotencyRecord(ctx context.Context, subjectID, idempotencyKey, endpoint string) (int, []byte, bool, error)
	SaveIdempotencyRecord(ctx context.Context, subjectID, idempotencyKey, endpoint string, responseStatus int, responseBody []byte) error
}

func Replay(ctx context.Context, st Store, subjectID, key, endpoint string) (int, []byte, bool, error) {
	if key == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, subjectID, key, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

func Save(ctx context.Context, st Store, subjectID, key, endpoint string, status int, body []byte) error {
	if key == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, subjectID, key, endpoint, status, body)
}
