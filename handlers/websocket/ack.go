package websocket

import (
	"fmt"
	"reflect"
)

type ackFunc func(err error, payload map[string]any)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// extractAck splits a trailing acknowledgement callback off the event args.
// Clients may pass callbacks of any shape, so the call goes through reflection.
func extractAck(datas []any) (ack ackFunc, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackFunc {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		args := buildAckArgs(typ, err, payload)
		if typ.IsVariadic() {
			value.CallSlice(args)
			return
		}
		value.Call(args)
	}
}

// buildAckArgs maps (err, payload) onto the callback's parameters. Error
// parameters get err and slice parameters get the payload as their only
// element. Anything else is filled by position, (err, payload).
func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	args := make([]reflect.Value, 0, numIn)

	for i := 0; i < numIn; i++ {
		target := typ.In(i)

		var arg any
		switch {
		case target == errorType:
			if err != nil {
				arg = err
			}
		case target.Kind() == reflect.Slice && target.Elem().Kind() == reflect.Interface:
			arg = []any{payload}
		case numIn == 1 || i == 1:
			arg = payload
		case i == 0 && err != nil:
			arg = err
		}
		args = append(args, coerceValue(arg, target))
	}
	return args
}

func coerceValue(value any, target reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(target)
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(target):
		return rv
	case rv.Type().ConvertibleTo(target):
		return rv.Convert(target)
	case target.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(value)).Convert(target)
	}
	return reflect.Zero(target)
}

func respondWithAck(ack ackFunc, payload map[string]any, err error) {
	if ack != nil {
		ack(err, payload)
	}
}
