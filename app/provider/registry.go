package provider

import (
	"errors"
	"strings"
)

var ErrProviderNotSupported = errors.New("provider is not supported")

type Registry struct {
	byCode map[int32]Provider
	byName map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	byCode := make(map[int32]Provider, len(providers))
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byCode[p.Code()] = p
		byName[strings.ToLower(p.Name())] = p
	}
	return &Registry{byCode: byCode, byName: byName}
}

func (r *Registry) Get(code int32) (Provider, error) {
	p, ok := r.byCode[code]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return p, nil
}

func (r *Registry) GetByName(name string) (Provider, error) {
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return p, nil
}
