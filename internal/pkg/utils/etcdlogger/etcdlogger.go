// Package etcdlogger logs etcd KV operations as debug messages.
package etcdlogger

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/channel-distributer/internal/pkg/log"
)

type kvWrapper struct {
	etcd.KV
	logger log.Logger
	id     atomic.Uint64 // request ID generator
}

type txnWrapper struct {
	etcd.Txn
	ctx     context.Context
	ifOps   []etcd.Cmp
	thenOps []etcd.Op
	elseOps []etcd.Op
	kv      *kvWrapper
}

// KVLogWrapper logs each operation of the KV, the start and the end of the request.
func KVLogWrapper(kv etcd.KV, logger log.Logger) etcd.KV {
	return &kvWrapper{KV: kv, logger: logger.WithComponent("etcd-kv")}
}

func (v *kvWrapper) Put(ctx context.Context, key, val string, opts ...etcd.OpOption) (*etcd.PutResponse, error) {
	r, err := v.Do(ctx, etcd.OpPut(key, val, opts...))
	return r.Put(), err
}

func (v *kvWrapper) Get(ctx context.Context, key string, opts ...etcd.OpOption) (*etcd.GetResponse, error) {
	r, err := v.Do(ctx, etcd.OpGet(key, opts...))
	return r.Get(), err
}

func (v *kvWrapper) Delete(ctx context.Context, key string, opts ...etcd.OpOption) (*etcd.DeleteResponse, error) {
	r, err := v.Do(ctx, etcd.OpDelete(key, opts...))
	return r.Del(), err
}

func (v *kvWrapper) Do(ctx context.Context, op etcd.Op) (etcd.OpResponse, error) {
	logger := v.logger.With(attribute.Int64("etcd.request", int64(v.id.Add(1))))
	startTime := time.Now()
	logger.Debugf(ctx, "%s %s", opToStr(op), keyToStr(op.KeyBytes(), op.RangeBytes()))
	r, err := v.KV.Do(ctx, op)
	v.logEnd(ctx, logger, op, startTime, r, err)
	return r, err
}

func (v *kvWrapper) Txn(ctx context.Context) etcd.Txn {
	return &txnWrapper{Txn: v.KV.Txn(ctx), ctx: ctx, kv: v}
}

func (v *kvWrapper) logEnd(ctx context.Context, logger log.Logger, op etcd.Op, startTime time.Time, r etcd.OpResponse, err error) {
	var out strings.Builder
	out.WriteString(opToStr(op))
	if key := keyToStr(op.KeyBytes(), op.RangeBytes()); key != "" {
		out.WriteString(" ")
		out.WriteString(key)
	}

	switch {
	case err != nil:
		logger.Debugf(ctx, "%s | error: %s | %s", out.String(), err, time.Since(startTime))
		return
	case r.Get() != nil:
		_, _ = fmt.Fprintf(&out, " | rev: %d | count: %d", r.Get().Header.Revision, r.Get().Count)
	case r.Put() != nil:
		_, _ = fmt.Fprintf(&out, " | rev: %d", r.Put().Header.Revision)
	case r.Del() != nil:
		_, _ = fmt.Fprintf(&out, " | rev: %d | deleted: %d", r.Del().Header.Revision, r.Del().Deleted)
	case r.Txn() != nil:
		_, _ = fmt.Fprintf(&out, " | rev: %d | succeeded: %t", r.Txn().Header.Revision, r.Txn().Succeeded)
	}

	logger.Debugf(ctx, "%s | done | %s", out.String(), time.Since(startTime))
}

func (v *txnWrapper) If(ops ...etcd.Cmp) etcd.Txn {
	v.Txn.If(ops...)
	v.ifOps = append(v.ifOps, ops...)
	return v
}

func (v *txnWrapper) Then(ops ...etcd.Op) etcd.Txn {
	v.Txn.Then(ops...)
	v.thenOps = append(v.thenOps, ops...)
	return v
}

func (v *txnWrapper) Else(ops ...etcd.Op) etcd.Txn {
	v.Txn.Else(ops...)
	v.elseOps = append(v.elseOps, ops...)
	return v
}

func (v *txnWrapper) Commit() (*etcd.TxnResponse, error) {
	logger := v.kv.logger.With(attribute.Int64("etcd.request", int64(v.kv.id.Add(1))))
	startTime := time.Now()
	op := etcd.OpTxn(v.ifOps, v.thenOps, v.elseOps)
	logger.Debugf(v.ctx, "TXN | if: %s | then: %s | else: %s", cmpsToStr(v.ifOps), opsToStr(v.thenOps), opsToStr(v.elseOps))
	r, err := v.Txn.Commit()
	var opResp etcd.OpResponse
	if r != nil {
		opResp = r.OpResponse()
	}
	v.kv.logEnd(v.ctx, logger, op, startTime, opResp, err)
	return r, err
}

func cmpsToStr(cmps []etcd.Cmp) string {
	items := make([]string, 0, len(cmps))
	for _, c := range cmps {
		items = append(items, fmt.Sprintf("%s %s %s", keyToStr(c.Key, c.RangeEnd), c.Target, c.Result))
	}
	return "[" + strings.Join(items, ", ") + "]"
}

func opsToStr(ops []etcd.Op) string {
	items := make([]string, 0, len(ops))
	for _, op := range ops {
		items = append(items, opToStr(op)+" "+keyToStr(op.KeyBytes(), op.RangeBytes()))
	}
	return "[" + strings.Join(items, ", ") + "]"
}

func keyToStr(key, end []byte) string {
	keyStr := strings.ReplaceAll(string(key), "\000", "<NUL>")
	endStr := strings.ReplaceAll(string(end), "\000", "<NUL>")
	switch {
	case keyStr == "":
		return ""
	case endStr != "":
		return fmt.Sprintf(`["%s", "%s")`, keyStr, endStr)
	default:
		return fmt.Sprintf(`"%s"`, keyStr)
	}
}

func opToStr(op etcd.Op) string {
	switch {
	case op.IsGet():
		return "GET"
	case op.IsPut():
		return "PUT"
	case op.IsDelete():
		return "DEL"
	case op.IsTxn():
		return "TXN"
	}
	return "n/a"
}
