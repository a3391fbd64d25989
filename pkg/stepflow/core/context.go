package core

type ctxKey string

const (
	CtxKeyWorkerId ctxKey = ctxKey("workerId")
	CtxKeyClient   ctxKey = ctxKey("client")
)
