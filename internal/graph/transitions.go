package graph

import (
	"OpenEcon-Agent/internal/router"
	"OpenEcon-Agent/internal/tools"
)

// Node 是状态机中的节点。
type Node string

const (
	NodeSupervisor  Node = "supervisor"
	NodeExchange    Node = "specialist_exchange"
	NodeTrade       Node = "specialist_trade"
	NodeStatistics  Node = "specialist_statistics"
	NodeSynthesizer Node = "synthesizer"
	NodeEnd         Node = "end"
)

// maxTransitions 是任何合法路径长度的上界。
const maxTransitions = 5

// Next 返回 from 节点在给定路由下的后继节点。
// 只有 combined 会调用两个专家，且固定为先汇率后统计。
func Next(from Node, route router.Route) Node {
	switch from {
	case NodeSupervisor:
		switch route {
		case router.RouteExchangeRate, router.RouteCombined:
			return NodeExchange
		case router.RouteTrade:
			return NodeTrade
		default:
			return NodeStatistics
		}
	case NodeExchange:
		if route == router.RouteCombined {
			return NodeStatistics
		}
		return NodeSynthesizer
	case NodeTrade, NodeStatistics:
		return NodeSynthesizer
	default:
		return NodeEnd
	}
}

// Required 返回某条路由必须调用的专家，按调用顺序排列。
func Required(route router.Route) []tools.Domain {
	switch route {
	case router.RouteExchangeRate:
		return []tools.Domain{tools.DomainExchangeRate}
	case router.RouteTrade:
		return []tools.Domain{tools.DomainTrade}
	case router.RouteCombined:
		return []tools.Domain{tools.DomainExchangeRate, tools.DomainStatistics}
	default:
		return []tools.Domain{tools.DomainStatistics}
	}
}

func domainOf(node Node) (tools.Domain, bool) {
	switch node {
	case NodeExchange:
		return tools.DomainExchangeRate, true
	case NodeTrade:
		return tools.DomainTrade, true
	case NodeStatistics:
		return tools.DomainStatistics, true
	default:
		return "", false
	}
}
