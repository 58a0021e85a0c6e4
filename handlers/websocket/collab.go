package websocket

import (
	"collabdocs-server/collab"
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/engine.io/v2/utils"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// Inbound event names.
const (
	EventJoinDocument = "join-document"
	EventEditDocument = "edit-document"
	EventTyping       = "typing"
)

const editTimeout = 10 * time.Second

var errMalformed = errors.New(collab.ReasonMalformed)

// SetupSocketIO builds the socket.io server and routes every connection's
// events into controller. origins lists the allowed CORS origins.
func SetupSocketIO(controller *collab.Controller, origins []string) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      corsOrigins(origins),
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		sid := string(socket.Id())
		if err := controller.Connect(sid, socket); err != nil {
			logrus.WithField("session_id", sid).WithError(err).Error("Rejecting connection")
			socket.Disconnect(true)
			return
		}
		utils.Log().Printf("socket %v connected\n", sid)

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventJoinDocument, func(datas ...any) {
			ack, args := extractAck(datas)
			documentID, err := documentIDFrom(args)
			if err != nil {
				controller.Reject(sid, collab.ReasonMalformed)
				respondWithAck(ack, ackPayload(nil, err), err)
				return
			}

			count, err := controller.Join(context.Background(), sid, documentID)
			if err != nil {
				logrus.WithField("session_id", sid).WithError(err).Warn("Join failed")
				respondWithAck(ack, ackPayload(nil, err), err)
				return
			}
			respondWithAck(ack, ackPayload(map[string]any{"user_count": count}, nil), nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventEditDocument, func(datas ...any) {
			ack, args := extractAck(datas)
			proposal, err := decodeEdit(args)
			if err != nil {
				logrus.WithField("session_id", sid).WithError(err).Debug("Malformed edit payload")
				controller.Reject(sid, collab.ReasonMalformed)
				respondWithAck(ack, ackPayload(nil, err), err)
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), editTimeout)
			defer cancel()

			res, err := controller.SubmitEdit(ctx, sid, proposal)
			if err != nil {
				respondWithAck(ack, ackPayload(nil, err), err)
				return
			}
			respondWithAck(ack, ackPayload(map[string]any{
				"accepted": res.Accepted,
				"version":  res.State.Version,
			}, nil), nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventTyping, func(datas ...any) {
			_, args := extractAck(datas)
			documentID, err := documentIDFrom(args)
			if err != nil {
				return
			}
			if err := controller.Typing(sid, documentID); err != nil {
				logrus.WithFields(logrus.Fields{
					"session_id":  sid,
					"document_id": documentID,
				}).WithError(err).Debug("Typing signal dropped")
			}
		})

		// disconnecting fires while the socket still knows its rooms;
		// disconnect covers transports that skip it.
		socket.On("disconnecting", func(datas ...any) {
			controller.Disconnect(sid)
		})

		socket.On("disconnect", func(datas ...any) {
			controller.Disconnect(sid)
			utils.Log().Printf("socket %v disconnected\n", sid)
			socket.RemoveAllListeners("")
		})
	})

	return srv
}

func corsOrigins(origins []string) []any {
	allowed := make([]any, 0, len(origins))
	for _, origin := range origins {
		allowed = append(allowed, origin)
	}
	return allowed
}

// documentIDFrom accepts either a bare id or an object carrying documentId.
func documentIDFrom(args []any) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("%w: missing document id", errMalformed)
	}
	switch v := args[0].(type) {
	case string:
		return v, nil
	case map[string]any:
		var payload struct {
			DocumentID string `mapstructure:"documentId"`
		}
		if err := mapstructure.Decode(v, &payload); err != nil {
			return "", fmt.Errorf("%w: %v", errMalformed, err)
		}
		return payload.DocumentID, nil
	default:
		return "", fmt.Errorf("%w: unexpected %T", errMalformed, args[0])
	}
}

func decodeEdit(args []any) (collab.EditProposal, error) {
	var proposal collab.EditProposal
	if len(args) == 0 {
		return proposal, fmt.Errorf("%w: missing edit", errMalformed)
	}
	raw, ok := args[0].(map[string]any)
	if !ok {
		return proposal, fmt.Errorf("%w: unexpected %T", errMalformed, args[0])
	}
	if raw["version"] == nil {
		return proposal, fmt.Errorf("%w: missing version", errMalformed)
	}
	if _, ok := raw["content"].(string); !ok {
		return proposal, fmt.Errorf("%w: content must be a string", errMalformed)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: wholeNumberHook,
		Result:     &proposal,
	})
	if err != nil {
		return proposal, err
	}
	if err := decoder.Decode(raw); err != nil {
		return proposal, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return proposal, nil
}

// wholeNumberHook refuses to narrow a JSON number into an integer field unless
// it is a whole number that fits.
func wholeNumberHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Int64 || (from.Kind() != reflect.Float64 && from.Kind() != reflect.Float32) {
		return data, nil
	}
	v := reflect.ValueOf(data).Float()
	if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
		return nil, fmt.Errorf("%v is not a whole number", data)
	}
	return int64(v), nil
}

func ackPayload(fields map[string]any, err error) map[string]any {
	if err != nil {
		return map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	payload := map[string]any{"status": "ok"}
	for k, v := range fields {
		payload[k] = v
	}
	return payload
}
