package followup

import (
	"strings"
	"time"

	"github.com/royalbot/royal-dispatch/domains/followup"
	"github.com/royalbot/royal-dispatch/pkg/timeutils"
)

// Placeholders substituted into the stage templates. A placeholder with
// nothing to say renders as the empty string; the message must still
// read naturally without it.
const (
	phTimeRef   = "{time_reference}"
	phProducts  = "{specific_products}"
	phBudget    = "{budget_reference}"
	phQuestions = "{questions_reference}"
	phObjection = "{objection_response}"
	phCTA       = "{personalized_cta}"
)

// templateKey selects the template variant for a stage.
type templateKey struct {
	stage       int
	profileType string // entrepreneur | reseller | retail | ""
}

// stageTemplates: plantillas base por etapa, con variantes por perfil
// para las etapas tempranas. Las etapas tardías y la de mantenimiento
// comparten una variante genérica.
var stageTemplates = map[templateKey]string{
	{0, ""}:             "¡Hola! Vi que estuviste consultando {time_reference}. {specific_products}¿Te quedó alguna duda? {personalized_cta}",
	{0, "entrepreneur"}: "¡Hola! Vi que estuviste averiguando para tu emprendimiento {time_reference}. {specific_products}{budget_reference}¿Seguimos? {personalized_cta}",
	{0, "reseller"}:     "¡Hola! Vi que consultaste precios para reventa {time_reference}. {specific_products}Tengo condiciones especiales por cantidad. {personalized_cta}",
	{1, ""}:             "¡Hola de nuevo! Ayer estuvimos conversando. {questions_reference}{specific_products}¿Pudiste pensarlo? {personalized_cta}",
	{2, ""}:             "¡Hola! Te escribo para contarte que seguimos con stock de lo que miraste. {specific_products}{objection_response}{personalized_cta}",
	{3, ""}:             "¡Hola! ¿Cómo estás? {time_reference} consultaste por nuestros productos. {budget_reference}Si te sirve, puedo armarte una propuesta a medida. {personalized_cta}",
	{4, ""}:             "¡Hola! Pasó una semana desde tu consulta. {specific_products}Tenemos novedades que te pueden interesar. {personalized_cta}",
	{5, ""}:             "¡Hola! ¿Seguís interesado? {objection_response}Avisame y lo vemos juntos. {personalized_cta}",
	{6, ""}:             "¡Hola! Hace dos semanas charlamos. {specific_products}Hay promos nuevas esta semana. {personalized_cta}",
	{7, ""}:             "¡Hola! ¿Cómo va todo? Quería saber si seguías buscando. {questions_reference}{personalized_cta}",
	{8, ""}:             "¡Hola! Te comparto que renovamos el catálogo. {specific_products}Si querés te paso la lista actualizada. {personalized_cta}",
	{9, ""}:             "¡Hola! {time_reference} hablamos por tu consulta. Seguimos a disposición si retomás el proyecto. {personalized_cta}",
	{10, ""}:            "¡Hola! Quería saludarte y contarte que hay nuevas condiciones de pago. {budget_reference}{personalized_cta}",
	{11, ""}:            "¡Hola! ¿Seguís por acá? Cualquier cosa que necesites, estamos. {personalized_cta}",
	{12, ""}:            "¡Hola! Última vez que te molesto por esta consulta. Si en algún momento retomás, escribime. {personalized_cta}",
}

func init() {
	stageTemplates[templateKey{followup.MaintenanceStage, ""}] =
		"¡Hola! Pasaba a saludarte y contarte las novedades del mes. {specific_products}Si necesitás algo, acá estoy. {personalized_cta}"
}

// ctaByEngagement: cierre según el nivel de engagement capturado.
var ctaByEngagement = map[string]string{
	"high":   "¿Coordinamos hoy mismo?",
	"medium": "¿Querés que te pase más info?",
	"low":    "Sin compromiso, cualquier duda me escribís.",
}

// RenderTemplate arma el mensaje de follow-up de una etapa a partir del
// snapshot. Todo placeholder sin datos se reemplaza por vacío.
func RenderTemplate(stage int, snap followup.ContextSnapshot, now time.Time) string {
	tpl, ok := stageTemplates[templateKey{stage, snap.ProfileType}]
	if !ok {
		tpl, ok = stageTemplates[templateKey{stage, ""}]
	}
	if !ok {
		tpl = stageTemplates[templateKey{followup.MaintenanceStage, ""}]
	}

	replacer := strings.NewReplacer(
		phTimeRef, timeReference(snap, now),
		phProducts, productsReference(snap),
		phBudget, budgetReference(snap),
		phQuestions, questionsReference(snap),
		phObjection, objectionResponse(snap),
		phCTA, personalizedCTA(snap),
	)
	return collapseSpaces(replacer.Replace(tpl))
}

func timeReference(snap followup.ContextSnapshot, now time.Time) string {
	if snap.LastInteraction.IsZero() {
		return ""
	}
	return timeutils.RelativeReference(now.Sub(snap.LastInteraction))
}

func productsReference(snap followup.ContextSnapshot) string {
	if len(snap.Products) == 0 {
		return ""
	}
	shown := snap.Products
	if len(shown) > 3 {
		shown = shown[:3]
	}
	return "Te interesaban: " + strings.Join(shown, ", ") + ". "
}

func budgetReference(snap followup.ContextSnapshot) string {
	if snap.BudgetMentioned == "" {
		return ""
	}
	return "Mencionaste un presupuesto de " + snap.BudgetMentioned + ". "
}

func questionsReference(snap followup.ContextSnapshot) string {
	if len(snap.Questions) == 0 {
		return ""
	}
	return "Me habías preguntado por " + snap.Questions[len(snap.Questions)-1] + ". "
}

func objectionResponse(snap followup.ContextSnapshot) string {
	if len(snap.Objections) == 0 {
		return ""
	}
	// responde la última objeción registrada con un descargo genérico
	return "Sobre lo que me comentaste (" + snap.Objections[len(snap.Objections)-1] + "), tengo alternativas para mostrarte. "
}

func personalizedCTA(snap followup.ContextSnapshot) string {
	if cta, ok := ctaByEngagement[snap.EngagementLevel]; ok {
		return cta
	}
	return "¿Te puedo ayudar en algo?"
}

// collapseSpaces limpia los dobles espacios que dejan los placeholders
// vacíos.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
