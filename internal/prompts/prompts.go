// Package prompts 定义各个智能体角色的系统提示词及其默认值。
package prompts

import (
	"fmt"
	"sort"
	"strings"

	xerrors "OpenEcon-Agent/internal/errors"
)

// Role 标识一个可配置提示词的智能体角色。
type Role string

const (
	RoleSupervisor   Role = "supervisor"
	RoleExchangeRate Role = "exchange_rate"
	RoleTrade        Role = "trade"
	RoleStatistics   Role = "statistics"
	RoleSynthesizer  Role = "synthesizer"
	RoleSingleAgent  Role = "single_agent"
)

// legacyNames 兼容旧版提示词表中的键名。
var legacyNames = map[string]Role{
	"langgraph_supervisor":   RoleSupervisor,
	"langgraph_trm":          RoleExchangeRate,
	"langgraph_datos":        RoleTrade,
	"langgraph_rag":          RoleStatistics,
	"langgraph_sintetizador": RoleSynthesizer,
	"langchain_main":         RoleSingleAgent,
}

var defaults = map[Role]string{
	RoleSupervisor: "Eres un enrutador de consultas económicas. Clasifica la pregunta en UNA de estas rutas:\n\n" +
		"  'exchange_rate' → solo sobre tipo de cambio: dólar, TRM, devaluación, variación del peso\n" +
		"  'trade'         → solo sobre comercio exterior: exportaciones, importaciones, balanza, sectores\n" +
		"  'statistics'    → solo sobre estadísticas DANE: desempleo, inflación, PIB, población, censo\n" +
		"  'combined'      → combina TRM+DANE, o TRM+exportaciones con contexto macro\n\n" +
		"Responde EXACTAMENTE con este JSON (sin markdown):\n" +
		"{\"route\": \"<ruta>\", \"justification\": \"<una oración breve>\"}",

	RoleExchangeRate: "Eres un analista de mercado cambiario especializado en el peso colombiano. " +
		"Responde preguntas sobre el TRM (tipo de cambio dólar/peso) usando las herramientas disponibles. " +
		"Siempre menciona el valor exacto del TRM, la tendencia y una interpretación económica breve. " +
		"Responde en español, conciso y con datos precisos.",

	RoleTrade: "Eres un analista de comercio exterior de Colombia. " +
		"Responde preguntas sobre exportaciones, importaciones y balanza comercial del 2024. " +
		"Destaca los sectores más importantes, el déficit/superávit y tendencias clave. " +
		"Usa datos exactos de las herramientas. Responde en español.",

	RoleStatistics: "Eres un investigador especializado en estadísticas del DANE Colombia. " +
		"Responde preguntas buscando en los reportes disponibles: desempleo, IPC, PIB y censo. " +
		"Llama primero a listar_reportes_dane() para conocer las fuentes, luego " +
		"buscar_documentos_dane() con términos relevantes para encontrar la información. " +
		"Cita los documentos fuente y los valores exactos encontrados. Responde en español.",

	RoleSynthesizer: "Eres un analista económico que integra información de múltiples fuentes. " +
		"Recibes respuestas de agentes especializados y debes sintetizarlas en " +
		"una respuesta única, coherente y bien estructurada en español. " +
		"Organiza la respuesta con secciones claras si hay múltiples temas. " +
		"Incluye una conclusión que relacione los diferentes aspectos si aplica. " +
		"Marca cada sección con la etiqueta de su fuente ([TRM], [COMERCIO] o [DANE]). " +
		"Cita los números exactos mencionados por los agentes.",

	RoleSingleAgent: "Eres un analista económico de Colombia con acceso a tres dominios de información:\n\n" +
		"1. TIPO DE CAMBIO (TRM)\n" +
		"   - obtener_trm_actual()          → TRM vigente y variación mensual\n" +
		"   - analizar_historico_trm(meses) → tendencia del dólar en los últimos N meses\n\n" +
		"2. COMERCIO EXTERIOR\n" +
		"   - consultar_balanza_comercial()   → exportaciones vs importaciones mensuales\n" +
		"   - analizar_sectores_exportacion() → sectores exportadores y su participación\n\n" +
		"3. DOCUMENTOS DANE\n" +
		"   - listar_reportes_dane()           → catálogo de reportes disponibles\n" +
		"   - buscar_documentos_dane(query, k) → búsqueda en reportes de desempleo, inflación, PIB y censo\n\n" +
		"INSTRUCCIONES:\n" +
		"- Identifica qué dominio(s) necesitas para responder la pregunta.\n" +
		"- Si la pregunta involucra múltiples temas, usa herramientas de varios dominios.\n" +
		"- Cita siempre los números exactos de las herramientas (no inventes cifras).\n" +
		"- Responde SIEMPRE en español con una conclusión clara al final.",
}

// Roles 返回全部角色，按名称排序。
func Roles() []Role {
	roles := make([]Role, 0, len(defaults))
	for role := range defaults {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Default 返回角色的内置提示词。
func Default(role Role) string {
	return defaults[role]
}

// Defaults 返回内置提示词的副本。
func Defaults() map[Role]string {
	out := make(map[Role]string, len(defaults))
	for role, text := range defaults {
		out[role] = text
	}
	return out
}

// Parse 将名称解析为角色，支持旧版键名。
func Parse(name string) (Role, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := defaults[Role(name)]; ok {
		return Role(name), true
	}
	role, ok := legacyNames[name]
	return role, ok
}

// Normalize 校验请求级覆盖提示词，空白内容被忽略，未知角色返回 INVALID_ARGUMENT。
func Normalize(overrides map[string]string) (map[Role]string, error) {
	if len(overrides) == 0 {
		return nil, nil
	}
	out := make(map[Role]string, len(overrides))
	for name, text := range overrides {
		role, ok := Parse(name)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("未知的提示词角色: %s", name),
				xerrors.WithMetadata("role", name))
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		out[role] = text
	}
	return out, nil
}

// Set 是某次请求可见的一组提示词：请求覆盖优先，其次是存储值，最后是内置默认值。
type Set struct {
	Overrides map[Role]string
	Stored    map[Role]string
}

// For 按优先级返回角色的提示词。
func (s Set) For(role Role) string {
	if text := strings.TrimSpace(s.Overrides[role]); text != "" {
		return s.Overrides[role]
	}
	if text := strings.TrimSpace(s.Stored[role]); text != "" {
		return s.Stored[role]
	}
	return defaults[role]
}
