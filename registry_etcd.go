package brpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcd naming service, "etcd://host:2379,host2:2379/service". Server nodes
// live as JSON values under /brpc/<service>/<endpoint>; a lease kept alive
// by the server side expires dead entries.

type etcdServerMeta struct {
	Endpoint string `json:"endpoint"`
	Tag      string `json:"tag,omitempty"`
}

type etcdNamingService struct {
	ctx    context.Context
	cancel context.CancelFunc

	prefix string
	client *clientv3.Client
	logger Logger
}

func newEtcdNamingService(target, service string, logger Logger) (NamingService, error) {
	if service == "" {
		return nil, errors.Wrap(ErrInvalidAddress, "etcd naming service needs a service name")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(target, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd client")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &etcdNamingService{
		ctx:    ctx,
		cancel: cancel,
		prefix: "/brpc/" + service + "/",
		client: client,
		logger: logger,
	}, nil
}

func (ns *etcdNamingService) Fetch() ([]ServerNode, error) {
	ctx, cancel := context.WithTimeout(ns.ctx, 5*time.Second)
	defer cancel()
	result, err := ns.client.Get(ctx, ns.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "etcd get")
	}
	var nodes []ServerNode
	for _, kv := range result.Kvs {
		node, err := ns.nodeFromValue(kv.Value)
		if err != nil {
			ns.logger.Warnf("etcd naming: skip %s: %v", kv.Key, err)
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (ns *etcdNamingService) Watch(cb WatchCallback) {
	watch := ns.client.Watch(ns.ctx, ns.prefix, clientv3.WithPrefix())
	for {
		select {
		case <-ns.ctx.Done():
			return
		case ret := <-watch:
			if err := ret.Err(); err != nil {
				ns.logger.Errorf("etcd naming: watch err: %v", err)
				continue
			}
			for _, event := range ret.Events {
				if event.Kv == nil {
					continue
				}
				switch event.Type {
				case clientv3.EventTypePut:
					node, err := ns.nodeFromValue(event.Kv.Value)
					if err != nil {
						ns.logger.Warnf("etcd naming: skip %s: %v", event.Kv.Key, err)
						continue
					}
					if err := cb.AddOrUpdate(node); err != nil {
						ns.logger.Warnf("etcd naming: add %s: %v", node.Endpoint, err)
					}
				case clientv3.EventTypeDelete:
					node, err := ns.nodeFromKey(string(event.Kv.Key))
					if err != nil {
						continue
					}
					cb.Delete(node)
				}
			}
		}
	}
}

func (ns *etcdNamingService) Stop() {
	ns.cancel()
	ns.client.Close()
}

func (ns *etcdNamingService) nodeFromValue(b []byte) (ServerNode, error) {
	var meta etcdServerMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return ServerNode{}, err
	}
	ep, err := str2Endpoint(meta.Endpoint)
	if err != nil {
		return ServerNode{}, err
	}
	return ServerNode{Endpoint: ep, Tag: meta.Tag}, nil
}

// delete events carry no value; the endpoint is the last key segment.
func (ns *etcdNamingService) nodeFromKey(key string) (ServerNode, error) {
	addr := strings.TrimPrefix(key, ns.prefix)
	ep, err := str2Endpoint(addr)
	if err != nil {
		return ServerNode{}, err
	}
	return ServerNode{Endpoint: ep}, nil
}
