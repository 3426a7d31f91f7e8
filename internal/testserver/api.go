package testserver

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

type versionOutput struct {
	Body struct {
		Version string `json:"version" doc:"Version substituted into the worker script"`
	}
}

func registerControlHandlers(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{OperationID: "get-worker-version", Method: http.MethodGet, Path: "/__harness/version", Summary: "Get current worker version", Tags: []string{"Harness"}},
		func(ctx context.Context, input *struct{}) (*versionOutput, error) {
			out := &versionOutput{}
			out.Body.Version = s.WorkerVersion()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "increment-worker-version", Method: http.MethodPost, Path: "/__harness/version/increment", Summary: "Increment worker version", Tags: []string{"Harness"}},
		func(ctx context.Context, input *struct{}) (*versionOutput, error) {
			s.IncrementVersion()
			out := &versionOutput{}
			out.Body.Version = s.WorkerVersion()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "reset-server", Method: http.MethodPost, Path: "/__harness/reset", Summary: "Reset server state", Tags: []string{"Harness"}},
		func(ctx context.Context, input *struct{}) (*struct{}, error) {
			if err := s.Reset(ctx); err != nil {
				return nil, huma.Error500InternalServerError(err.Error())
			}
			return nil, nil
		})
}
