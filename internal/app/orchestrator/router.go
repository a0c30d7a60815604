package orchestrator

import (
	"sort"
	"strings"

	"crewd/internal/domain"
)

// crewRoute binds one keyword group to a crew and the knowledge shape its
// results take. Routes are evaluated in declaration order and the first group
// with any keyword present in the payload wins, so the order below is part of
// the routing contract: ambiguous text always lands on the earlier route.
type crewRoute struct {
	name          string
	kind          string
	priority      int
	keywords      []string
	knowledgeType domain.KnowledgeType
	topic         string
}

// Keywords carry both Portuguese and English spellings, accented and plain,
// because the payloads this service classifies arrive in either language.
var crewRoutes = []crewRoute{
	{
		name:     "product_inquiry_crew",
		kind:     "product_inquiry",
		priority: 1,
		keywords: []string{
			"produto", "produtos", "preço", "preco", "catálogo", "catalogo",
			"estoque", "eletrônicos", "eletronicos",
			"product", "products", "price", "catalog", "stock",
		},
		knowledgeType: domain.KnowledgeProductInfo,
		topic:         "products",
	},
	{
		name:     "scheduling_crew",
		kind:     "scheduling",
		priority: 2,
		keywords: []string{
			"agendar", "agendamento", "agenda", "horário", "horario",
			"marcar", "reunião", "reuniao", "consulta",
			"schedule", "scheduling", "appointment", "meeting", "booking",
		},
		knowledgeType: domain.KnowledgeGeneralFact,
		topic:         "scheduling",
	},
	{
		name:     "billing_crew",
		kind:     "billing",
		priority: 3,
		keywords: []string{
			"fatura", "cobrança", "cobranca", "pagamento", "boleto",
			"mensalidade", "reembolso",
			"invoice", "billing", "payment", "charge", "refund",
		},
		knowledgeType: domain.KnowledgeCustomerInsight,
		topic:         "billing",
	},
	{
		name:     "support_crew",
		kind:     "support",
		priority: 4,
		keywords: []string{
			"problema", "erro", "ajuda", "suporte", "defeito",
			"não funciona", "nao funciona", "reclamação", "reclamacao",
			"help", "support", "issue", "broken", "error",
		},
		knowledgeType: domain.KnowledgeConversationSummary,
		topic:         "support",
	},
	{
		name:     "analysis_crew",
		kind:     "analysis",
		priority: 5,
		keywords: []string{
			"análise", "analise", "relatório", "relatorio", "tendência",
			"tendencia", "desempenho", "estatística", "estatistica",
			"analysis", "report", "trend", "metrics", "performance",
		},
		knowledgeType: domain.KnowledgeAnalysisResult,
		topic:         "analysis",
	},
}

var generalRoute = crewRoute{
	name:          "general_crew",
	kind:          "general",
	priority:      99,
	knowledgeType: domain.KnowledgeGeneral,
	topic:         "general",
}

// SelectCrew classifies the payload against the ordered keyword groups and
// returns the matching crew, falling back to general_crew. Pure: the same
// payload and available-tool map always produce the same selection. Every
// crew draws on all currently known registries; partial availability is
// handled downstream by skipping registries with no tools.
func SelectCrew(payload string, available map[string][]domain.ToolMetadata) domain.CrewSelection {
	route := routeFor(payload)

	sources := make([]string, 0, len(available))
	for name := range available {
		sources = append(sources, name)
	}
	sort.Strings(sources)

	return domain.CrewSelection{
		Name:            route.name,
		Kind:            route.kind,
		Priority:        route.priority,
		RequiredSources: sources,
	}
}

func routeFor(payload string) crewRoute {
	text := strings.ToLower(payload)
	for _, route := range crewRoutes {
		for _, keyword := range route.keywords {
			if strings.Contains(text, keyword) {
				return route
			}
		}
	}
	return generalRoute
}

// knowledgeShape maps a crew name to the type and topic of the knowledge item
// its executions produce and consume.
func knowledgeShape(crewName string) (domain.KnowledgeType, string) {
	for _, route := range crewRoutes {
		if route.name == crewName {
			return route.knowledgeType, route.topic
		}
	}
	return generalRoute.knowledgeType, generalRoute.topic
}
