package tools

import (
	"context"

	"OpenEcon-Agent/internal/datasource"
	"OpenEcon-Agent/internal/knowledge"
)

// Report 是 DANE 报告目录中的一项。
type Report struct {
	Name     string   `json:"nombre"`
	Title    string   `json:"titulo"`
	Topic    string   `json:"tema"`
	Period   string   `json:"periodo"`
	KeyFacts []string `json:"datos_clave"`
}

var reportCatalog = []Report{
	{
		Name:     "boletin_desempleo_2024",
		Title:    "Boletín Técnico — Mercado Laboral Colombia Q3 2024",
		Topic:    "Desempleo y mercado laboral",
		Period:   "Julio–Septiembre 2024",
		KeyFacts: []string{"Desempleo nacional 10,8%", "Chocó 20,1%", "Informalidad 56,3%"},
	},
	{
		Name:     "boletin_ipc_2024",
		Title:    "Boletín Técnico — IPC Diciembre 2024",
		Topic:    "Inflación y precios al consumidor",
		Period:   "Diciembre 2024 (resultado anual)",
		KeyFacts: []string{"IPC 2024: 5,17%", "Pico 2022: 13,12%", "IPC por ciudades"},
	},
	{
		Name:     "cuentas_nacionales_pib_2024",
		Title:    "Cuentas Nacionales — PIB Colombia 2024",
		Topic:    "Crecimiento económico",
		Period:   "Año 2024",
		KeyFacts: []string{"PIB 2024: +1,8%", "Rebote 2021: +10,7%", "Caída COVID 2020: -6,8%"},
	},
	{
		Name:     "censo_poblacion_2023",
		Title:    "Censo Nacional de Población y Vivienda — Colombia 2023",
		Topic:    "Demografía y población",
		Period:   "2023",
		KeyFacts: []string{"51,5M habitantes", "Bogotá 8,7M", "Urbanización 81,1%"},
	},
}

// Reports 返回报告目录的副本。
func Reports() []Report {
	return append([]Report(nil), reportCatalog...)
}

type searchResult struct {
	Query     string               `json:"query"`
	K         int                  `json:"k"`
	Fragments []knowledge.Fragment `json:"fragmentos"`
	Total     int                  `json:"total"`
}

type catalogResult struct {
	Documents    []Report `json:"documentos_disponibles"`
	Total        int      `json:"total"`
	Instructions string   `json:"instrucciones"`
}

// StatisticsGroup 构建 DANE 文档检索工具组。
func StatisticsGroup(searcher knowledge.Searcher) *Group {
	return NewGroup(DomainStatistics,
		Tool{
			Name: "buscar_documentos_dane",
			Description: "Busca los fragmentos más relevantes en los reportes del DANE " +
				"(desempleo, IPC/inflación, PIB y censo de población).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "pregunta o términos a buscar (en español)",
					},
					"k": map[string]any{
						"type":        "integer",
						"description": "número de fragmentos a recuperar (default 4, máximo 8)",
						"minimum":     1,
						"maximum":     8,
					},
				},
				"required": []string{"query"},
			},
			Run: func(ctx context.Context, args Args) Result {
				query := args.String("query")
				if query == "" {
					return Failure("el parámetro query es obligatorio")
				}
				k, err := args.Int("k", 4, 1, 8)
				if err != nil {
					return Failure("%v", err)
				}
				fragments, err := searcher.Search(ctx, query, k)
				if err != nil {
					return Failure("Error en búsqueda de documentos: %v", err)
				}
				if fragments == nil {
					fragments = []knowledge.Fragment{}
				}
				return Success(searchResult{Query: query, K: k, Fragments: fragments, Total: len(fragments)})
			},
		},
		Tool{
			Name: "listar_reportes_dane",
			Description: "Lista los reportes del DANE disponibles con tema, período y datos clave. " +
				"Úsala para saber qué información existe antes de buscar. No requiere parámetros.",
			Run: func(context.Context, Args) Result {
				docs := Reports()
				return Success(catalogResult{
					Documents:    docs,
					Total:        len(docs),
					Instructions: "Usa buscar_documentos_dane(query) para buscar en estos documentos.",
				})
			},
		},
	)
}

// Catalog 汇总三个领域的工具组。
type Catalog struct {
	ExchangeRate *Group
	Trade        *Group
	Statistics   *Group
}

// NewCatalog 使用注入的数据源构建全部工具组。
func NewCatalog(rates datasource.ExchangeRateSource, trade datasource.TradeSource, docs knowledge.Searcher) Catalog {
	return Catalog{
		ExchangeRate: ExchangeRateGroup(rates),
		Trade:        TradeGroup(trade),
		Statistics:   StatisticsGroup(docs),
	}
}

// For 返回领域对应的工具组；DomainAll 返回合并后的工具组。
func (c Catalog) For(domain Domain) (*Group, bool) {
	switch domain {
	case DomainExchangeRate:
		return c.ExchangeRate, c.ExchangeRate != nil
	case DomainTrade:
		return c.Trade, c.Trade != nil
	case DomainStatistics:
		return c.Statistics, c.Statistics != nil
	case DomainAll:
		if c.ExchangeRate == nil || c.Trade == nil || c.Statistics == nil {
			return nil, false
		}
		return Merge(DomainAll, c.ExchangeRate, c.Trade, c.Statistics), true
	default:
		return nil, false
	}
}
