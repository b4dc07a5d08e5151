package router

// Worker ids referenced by the built-in rules. They match the built-in
// worker catalog.
const (
	WorkerEcommerce = "ecommerce-specialist"
	WorkerResearch  = "research-specialist"
	WorkerDocuments = "documents-specialist"
	WorkerBrowser   = "browser-specialist"
)

// DefaultRules is the built-in bilingual (English/Spanish) keyword table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "current-time",
			Action:     ActionTool,
			ToolName:   "current_time",
			Confidence: 0.95,
			Phrases: []string{
				"what time is it", "current time", "time now",
				"que hora es", "hora actual",
			},
		},
		{
			Name:           "ecommerce",
			Action:         ActionDelegate,
			TargetWorkerID: WorkerEcommerce,
			Confidence:     0.9,
			Phrases: []string{
				"shopify", "my orders", "my store", "inventory", "products", "order status",
				"mis pedidos", "mi tienda", "inventario", "productos", "pedido",
			},
		},
		{
			Name:           "documents",
			Action:         ActionDelegate,
			TargetWorkerID: WorkerDocuments,
			Confidence:     0.85,
			Phrases: []string{
				"create a document", "write a report", "spreadsheet", "presentation", "pdf",
				"crear un documento", "escribe un informe", "hoja de calculo", "presentacion",
			},
		},
		{
			Name:           "browser",
			Action:         ActionDelegate,
			TargetWorkerID: WorkerBrowser,
			Confidence:     0.8,
			Phrases: []string{
				"open the website", "browse to", "fill out the form", "take a screenshot",
				"abre la pagina", "navega a", "llena el formulario", "captura de pantalla",
			},
		},
		{
			Name:           "research",
			Action:         ActionDelegate,
			TargetWorkerID: WorkerResearch,
			Confidence:     0.75,
			Phrases: []string{
				"search the web", "look up", "research", "latest news", "find information",
				"busca en internet", "investiga", "ultimas noticias", "buscar informacion",
			},
		},
	}
}

// DefaultTable compiles DefaultRules.
func DefaultTable() *Table {
	t, err := NewTable(DefaultRules())
	if err != nil {
		panic(err)
	}
	return t
}
