package handler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"media-hls/dto"
	"media-hls/service"
)

type fakeStager struct {
	got []dto.EncodeRequestMessage
	err error
}

func (f *fakeStager) StageObject(_ context.Context, msg dto.EncodeRequestMessage) (string, error) {
	f.got = append(f.got, msg)
	if f.err != nil {
		return "", f.err
	}
	return msg.JobId, nil
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

func TestEncodeRequestHandler(t *testing.T) {
	body := []byte(`{"jobId":"job-7","objectPath":"raw/job-7.mp4","fileName":"job-7.mp4"}`)

	stager := &fakeStager{}
	if err := EncodeRequestHandler(context.Background(), amqp.Delivery{Body: body}, ServiceDependencies{Ingest: stager}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	want := dto.EncodeRequestMessage{JobId: "job-7", ObjectPath: "raw/job-7.mp4", FileName: "job-7.mp4"}
	if len(stager.got) != 1 || stager.got[0] != want {
		t.Fatalf("staged %v", stager.got)
	}
}

func TestEncodeRequestHandlerErrors(t *testing.T) {
	valid := []byte(`{"jobId":"j","objectPath":"raw/j.mp4"}`)
	cases := []struct {
		name      string
		body      []byte
		stageErr  error
		wantErr   bool
		permanent bool
	}{
		{"malformed", []byte("{not json"), nil, true, true},
		{"duplicate delivery", valid, fmt.Errorf("%w: j", service.ErrJobExists), false, false},
		{"storage disabled", valid, service.ErrStorageDisabled, true, true},
		{"missing object", valid, service.ErrObjectRequired, true, true},
		{"transient", valid, errors.New("connection reset"), true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := EncodeRequestHandler(context.Background(), amqp.Delivery{Body: tc.body}, ServiceDependencies{Ingest: &fakeStager{err: tc.stageErr}})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && isPermanent(err) != tc.permanent {
				t.Fatalf("permanent = %v, want %v (%v)", isPermanent(err), tc.permanent, err)
			}
		})
	}
}
