package executor

import (
	"strings"
	"unicode/utf8"
)

// Category groups executor failures for the operator UI.
type Category string

const (
	CategoryLogin      Category = "LOGIN"
	CategoryNavigation Category = "NAVEGACAO"
	CategoryMenu       Category = "MENU"
	CategoryExtraction Category = "EXTRACAO"
	CategorySession    Category = "SESSAO"
	CategoryCaptcha    Category = "CAPTCHA"
	CategoryValidation Category = "VALIDACAO"
	CategoryBrowser    Category = "NAVEGADOR"
	CategoryTimeout    Category = "TIMEOUT"
	CategoryCancelled  Category = "CANCELADO"
	CategoryOther      Category = "OUTRO"
)

type rule struct {
	category Category
	keywords []string
	// refinements are checked in order; the first matching keyword wins
	refinements []refinement
	message     string
}

type refinement struct {
	keywords []string
	message  string
}

var rules = []rule{
	{CategoryLogin, []string{"login", "senha", "usuário", "usuario", "autenticação", "autenticacao"}, []refinement{
		{[]string{"senha", "password"}, "Erro de Login: senha incorreta ou inválida"},
		{[]string{"usuário", "usuario", "user"}, "Erro de Login: usuário não encontrado ou inválido"},
		{[]string{"timeout", "deadline"}, "Erro de Login: a página demorou muito para responder"},
	}, "Erro de Login: falha ao autenticar no portal"},
	{CategoryCancelled, []string{"context canceled", "cancelad"}, nil, "Consulta cancelada pelo operador"},
	{CategoryNavigation, []string{"navegação", "navegacao", "navigation", "navigate", "página", "pagina"}, []refinement{
		{[]string{"timeout", "deadline"}, "Erro de Navegação: timeout ao carregar a página"},
		{[]string{"não encontr", "not found"}, "Erro de Navegação: página ou elemento não encontrado"},
	}, "Erro de Navegação: falha ao acessar a página do portal"},
	{CategoryMenu, []string{"menu", "árvore", "arvore", "jstree"}, []refinement{
		{[]string{"não encontr", "not found"}, "Erro de Menu: opção não encontrada no portal"},
		{[]string{"timeout", "deadline"}, "Erro de Menu: timeout ao carregar o menu"},
	}, "Erro de Menu: falha ao navegar no menu do portal"},
	{CategoryExtraction, []string{"extração", "extracao", "extraction", "dados"}, []refinement{
		{[]string{"timeout", "deadline"}, "Erro de Extração: timeout ao buscar dados"},
	}, "Erro de Extração: falha ao coletar informações do portal"},
	{CategorySession, []string{"sessão", "sessao", "session", "conflito"}, []refinement{
		{[]string{"conflito", "conflict"}, "Erro de Sessão: usuário já está logado em outra sessão"},
		{[]string{"expirou", "expired"}, "Erro de Sessão: sessão expirada"},
	}, "Erro de Sessão: problema com a sessão do usuário"},
	{CategoryCaptcha, []string{"captcha"}, nil, "Erro de Captcha: o portal exigiu verificação humana"},
	{CategoryValidation, []string{"cpf", "inscri", "inválid", "invalid"}, []refinement{
		{[]string{"cpf"}, "Erro de Validação: CPF inválido ou não cadastrado"},
		{[]string{"inscri"}, "Erro de Validação: inscrição estadual inválida ou não cadastrada"},
	}, "Erro de Validação: dados fornecidos são inválidos"},
	{CategoryBrowser, []string{"browser", "navegador", "chrome", "exec:"}, []refinement{
		{[]string{"not found", "não encontrado", "executable"}, "Erro de Navegador: Chrome não encontrado ou não instalado"},
	}, "Erro de Navegador: falha ao iniciar ou conectar ao navegador"},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}, nil, "Erro de Timeout: a operação demorou muito tempo"},
}

const maxRawMessage = 100

// Describe turns a raw executor error message into a category and a short
// message an operator can act on.
func Describe(raw string) (Category, string) {
	lower := strings.ToLower(raw)
	if strings.TrimSpace(lower) == "" {
		return CategoryOther, "Erro desconhecido na execução"
	}
	for _, r := range rules {
		if !containsAny(lower, r.keywords) {
			continue
		}
		for _, ref := range r.refinements {
			if containsAny(lower, ref.keywords) {
				return r.category, ref.message
			}
		}
		return r.category, r.message
	}
	if utf8.RuneCountInString(raw) > maxRawMessage {
		return CategoryOther, "Erro: " + string([]rune(raw)[:maxRawMessage]) + "..."
	}
	return CategoryOther, "Erro: " + raw
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
