package server

import (
	"fmt"
	"reflect"
	"strings"

	"peer-rpc/codec"
	"peer-rpc/message"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// bean is one bound method. Its signature is the Go type string of every
// parameter and must match a request's ParameterTypes exactly.
type bean struct {
	serviceName string
	method      reflect.Value
	argTypes    []reflect.Type
	signature   []string
	hasResult   bool
	hasError    bool
}

// newBean 绑定 rcvr 的 methodName 方法，合法签名：
//
//	func(args...)            func(args...) error
//	func(args...) T          func(args...) (T, error)
func newBean(serviceName string, rcvr any, methodName string) (*bean, error) {
	if rcvr == nil {
		return nil, fmt.Errorf("rpc: nil receiver for %s", serviceName)
	}
	m := reflect.ValueOf(rcvr).MethodByName(methodName)
	if !m.IsValid() {
		return nil, fmt.Errorf("rpc: %T has no exported method %s", rcvr, methodName)
	}
	mt := m.Type()
	if mt.IsVariadic() {
		return nil, fmt.Errorf("rpc: %T.%s is variadic", rcvr, methodName)
	}

	b := &bean{serviceName: serviceName, method: m}
	switch mt.NumOut() {
	case 0:
	case 1:
		if mt.Out(0) == errorType {
			b.hasError = true
		} else {
			b.hasResult = true
		}
	case 2:
		if mt.Out(1) != errorType {
			return nil, fmt.Errorf("rpc: %T.%s second result must be error", rcvr, methodName)
		}
		b.hasResult, b.hasError = true, true
	default:
		return nil, fmt.Errorf("rpc: %T.%s returns %d values", rcvr, methodName, mt.NumOut())
	}

	for i := 0; i < mt.NumIn(); i++ {
		b.argTypes = append(b.argTypes, mt.In(i))
		b.signature = append(b.signature, mt.In(i).String())
	}
	return b, nil
}

// scanBeans binds every exported method of rcvr that has a supported
// signature, named Type.Method.
func scanBeans(rcvr any) (map[string]*bean, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil {
		return nil, fmt.Errorf("rpc: nil receiver")
	}
	base := typ
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base.Name() == "" {
		return nil, fmt.Errorf("rpc: receiver type %s has no name", typ)
	}

	out := make(map[string]*bean)
	for i := 0; i < typ.NumMethod(); i++ {
		name := base.Name() + "." + typ.Method(i).Name
		b, err := newBean(name, rcvr, typ.Method(i).Name)
		if err != nil {
			continue
		}
		out[name] = b
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rpc: %s has no exported method with a supported signature", typ)
	}
	return out, nil
}

func (b *bean) matches(types []string) bool {
	if len(types) != len(b.signature) {
		return false
	}
	for i := range types {
		if types[i] != b.signature[i] {
			return false
		}
	}
	return true
}

// invoke decodes the parameters with c, calls the method and encodes its
// result. A nil result encodes to no data.
func (b *bean) invoke(c codec.Codec, req *message.Request) ([]byte, error) {
	if !b.matches(req.ParameterTypes) {
		return nil, fmt.Errorf("service %s expects (%s), got (%s)",
			b.serviceName, strings.Join(b.signature, ", "), strings.Join(req.ParameterTypes, ", "))
	}
	if len(req.Parameters) != len(b.argTypes) {
		return nil, fmt.Errorf("service %s expects %d parameters, got %d", b.serviceName, len(b.argTypes), len(req.Parameters))
	}

	args := make([]reflect.Value, len(b.argTypes))
	for i, t := range b.argTypes {
		p := reflect.New(t)
		if err := c.Decode(req.Parameters[i], p.Interface()); err != nil {
			return nil, fmt.Errorf("decode parameter %d of %s: %w", i, b.serviceName, err)
		}
		args[i] = p.Elem()
	}

	results := b.method.Call(args)
	if b.hasError {
		if errv := results[len(results)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
	}
	if !b.hasResult {
		return nil, nil
	}
	result := results[0]
	switch result.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if result.IsNil() {
			return nil, nil
		}
	}
	return c.Encode(result.Interface())
}
