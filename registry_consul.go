package brpc

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

// consul naming service, "consul://host:8500/service". Servers are consul
// service instances; health is consul's aggregated check status. Watch uses
// blocking queries, so each poll returns the full healthy set and the
// watcher diffs it against the previous one.

type consulNamingService struct {
	ctx    context.Context
	cancel context.CancelFunc

	service string
	client  *consulapi.Client
	logger  Logger
}

func newConsulNamingService(target, service string, logger Logger) (NamingService, error) {
	if service == "" {
		return nil, errors.Wrap(ErrInvalidAddress, "consul naming service needs a service name")
	}
	config := consulapi.DefaultConfig()
	config.Address = target
	client, err := consulapi.NewClient(config)
	if err != nil {
		return nil, errors.Wrap(err, "consul client")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &consulNamingService{
		ctx:     ctx,
		cancel:  cancel,
		service: service,
		client:  client,
		logger:  logger,
	}, nil
}

func (ns *consulNamingService) Fetch() ([]ServerNode, error) {
	nodes, _, err := ns.query(0)
	return nodes, err
}

func (ns *consulNamingService) Watch(cb WatchCallback) {
	known := make(map[Endpoint]ServerNode)
	var lastIndex uint64
	for {
		select {
		case <-ns.ctx.Done():
			return
		default:
		}
		nodes, index, err := ns.query(lastIndex)
		if err != nil {
			ns.logger.Warnf("consul naming: watch fail: %v", err)
			select {
			case <-ns.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		lastIndex = index

		current := make(map[Endpoint]ServerNode, len(nodes))
		for _, node := range nodes {
			current[node.Endpoint] = node
			if err := cb.AddOrUpdate(node); err != nil {
				ns.logger.Warnf("consul naming: add %s: %v", node.Endpoint, err)
			}
		}
		for ep, node := range known {
			if _, ok := current[ep]; !ok {
				cb.Delete(node)
			}
		}
		known = current
	}
}

func (ns *consulNamingService) query(waitIndex uint64) ([]ServerNode, uint64, error) {
	services, meta, err := ns.client.Health().Service(ns.service, "", true,
		(&consulapi.QueryOptions{WaitIndex: waitIndex}).WithContext(ns.ctx))
	if err != nil {
		return nil, waitIndex, err
	}
	var nodes []ServerNode
	for _, service := range services {
		if service.Checks.AggregatedStatus() != consulapi.HealthPassing {
			continue
		}
		addr := service.Service.Address
		if addr == "" {
			addr = service.Node.Address
		}
		ep, err := str2Endpoint(fmt.Sprintf("%s:%d", addr, service.Service.Port))
		if err != nil {
			ns.logger.Warnf("consul naming: skip %s:%d: %v", addr, service.Service.Port, err)
			continue
		}
		nodes = append(nodes, ServerNode{Endpoint: ep, Tag: service.Service.ID})
	}
	return nodes, meta.LastIndex, nil
}

func (ns *consulNamingService) Stop() {
	ns.cancel()
}
