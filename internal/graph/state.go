package graph

import (
	"OpenEcon-Agent/internal/prompts"
	"OpenEcon-Agent/internal/router"
	"OpenEcon-Agent/internal/tools"
)

// State 是在图中逐节点传递的请求状态。Question 创建后不再改变；
// 每个专家的答案槽仅在该专家被调用时写入一次。
type State struct {
	Question   string
	Prompts    prompts.Set
	Decision   *router.Decision
	Exchange   *string
	Trade      *string
	Statistics *string
	Final      *string
}

// Update 是某个节点的产出，只能包含该节点拥有的字段。
type Update struct {
	Decision   *router.Decision
	Exchange   *string
	Trade      *string
	Statistics *string
	Final      *string
}

type field uint8

const (
	fieldDecision field = 1 << iota
	fieldExchange
	fieldTrade
	fieldStatistics
	fieldFinal
)

// owners 声明每个节点可以写入的字段。
var owners = map[Node]field{
	NodeSupervisor:  fieldDecision,
	NodeExchange:    fieldExchange,
	NodeTrade:       fieldTrade,
	NodeStatistics:  fieldStatistics,
	NodeSynthesizer: fieldFinal,
}

func (u Update) fields() field {
	var f field
	if u.Decision != nil {
		f |= fieldDecision
	}
	if u.Exchange != nil {
		f |= fieldExchange
	}
	if u.Trade != nil {
		f |= fieldTrade
	}
	if u.Statistics != nil {
		f |= fieldStatistics
	}
	if u.Final != nil {
		f |= fieldFinal
	}
	return f
}

// Apply 是节点的归约函数：校验字段归属与单次写入后合并 Update。
func (s *State) Apply(node Node, u Update) error {
	owned, ok := owners[node]
	if !ok {
		return violation(node, "节点不能写入状态")
	}
	set := u.fields()
	if set == 0 {
		return violation(node, "节点没有产出")
	}
	if set&^owned != 0 {
		return violation(node, "节点写入了不属于它的字段")
	}

	switch owned {
	case fieldDecision:
		if s.Decision != nil {
			return violation(node, "路由已经确定")
		}
		decision := *u.Decision
		s.Decision = &decision
	case fieldExchange:
		return setOnce(node, &s.Exchange, u.Exchange)
	case fieldTrade:
		return setOnce(node, &s.Trade, u.Trade)
	case fieldStatistics:
		return setOnce(node, &s.Statistics, u.Statistics)
	case fieldFinal:
		return setOnce(node, &s.Final, u.Final)
	}
	return nil
}

func setOnce(node Node, slot **string, value *string) error {
	if *slot != nil {
		return violation(node, "答案已经写入")
	}
	v := *value
	*slot = &v
	return nil
}

// Answer 返回某个领域已产出的答案。
func (s *State) Answer(domain tools.Domain) (string, bool) {
	var slot *string
	switch domain {
	case tools.DomainExchangeRate:
		slot = s.Exchange
	case tools.DomainTrade:
		slot = s.Trade
	case tools.DomainStatistics:
		slot = s.Statistics
	}
	if slot == nil {
		return "", false
	}
	return *slot, true
}

func answerUpdate(domain tools.Domain, answer string) Update {
	switch domain {
	case tools.DomainExchangeRate:
		return Update{Exchange: &answer}
	case tools.DomainTrade:
		return Update{Trade: &answer}
	default:
		return Update{Statistics: &answer}
	}
}
