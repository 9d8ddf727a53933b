// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/metamcp/pkg/logger"
)

// Dispatch handles one message from the external client and returns the
// response to deliver, or nil for notifications.
func (a *Aggregator) Dispatch(ctx context.Context, msg jsonrpc2.Message) jsonrpc2.Message {
	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		// Clients do not send responses; drop anything unexpected.
		return nil
	}
	if !req.ID.IsValid() {
		a.handleClientNotification(req)
		return nil
	}

	result, err := a.handleRequest(ctx, req)
	if err != nil {
		result = nil
	}
	resp, buildErr := jsonrpc2.NewResponse(req.ID, result, err)
	if buildErr != nil {
		logger.Errorf("Failed to build response for %s: %v", req.Method, buildErr)
		resp, _ = jsonrpc2.NewResponse(req.ID, nil, jsonrpc2.ErrInternal)
	}
	return resp
}

func (a *Aggregator) handleRequest(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case string(mcp.MethodInitialize):
		return a.InitializeResult(), nil

	case string(mcp.MethodPing):
		return map[string]any{}, nil

	case string(mcp.MethodToolsList):
		return a.ListTools(ctx)

	case string(mcp.MethodToolsCall):
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
			Meta      *mcp.Meta      `json:"_meta,omitempty"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return a.CallTool(ctx, params.Name, params.Arguments, params.Meta)

	case string(mcp.MethodPromptsList):
		return a.ListPrompts(ctx)

	case string(mcp.MethodPromptsGet):
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return a.GetPrompt(ctx, params.Name, params.Arguments)

	case string(mcp.MethodResourcesList):
		return a.ListResources(ctx)

	case string(mcp.MethodResourcesRead):
		var params struct {
			URI string `json:"uri"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return a.ReadResource(ctx, params.URI)

	case string(mcp.MethodResourcesTemplatesList):
		return a.ListResourceTemplates(ctx)

	default:
		return nil, jsonrpc2.ErrMethodNotFound
	}
}

func (a *Aggregator) handleClientNotification(req *jsonrpc2.Request) {
	switch req.Method {
	case "notifications/initialized":
		logger.Debugf("Session %s initialized against namespace %s", a.sessionID, a.namespaceUUID)
	case "notifications/cancelled":
		// Cancellation of in-flight requests rides on the request context.
	default:
		logger.Debugf("Ignoring client notification %s", req.Method)
	}
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", jsonrpc2.ErrInvalidParams)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
	}
	return nil
}
