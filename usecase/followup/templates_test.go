package followup

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/royalbot/royal-dispatch/domains/followup"
)

func TestRenderTemplate_SubstitutesSnapshot(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	snap := followup.ContextSnapshot{
		EngagementLevel: "high",
		Products:        []string{"campera de cuero", "botas"},
		LastInteraction: now.Add(-3 * time.Hour),
	}

	msg := RenderTemplate(0, snap, now)
	assert.Contains(t, msg, "campera de cuero, botas")
	assert.Contains(t, msg, "¿Coordinamos hoy mismo?")
	assert.NotContains(t, msg, "{", "no quedan placeholders sin resolver")
}

func TestRenderTemplate_EmptySnapshotStillReads(t *testing.T) {
	msg := RenderTemplate(0, followup.ContextSnapshot{}, time.Now())
	assert.NotContains(t, msg, "{")
	assert.NotContains(t, msg, "  ", "los placeholders vacíos no dejan dobles espacios")
	assert.Contains(t, msg, "¿Te puedo ayudar en algo?", "CTA por defecto sin engagement")
}

func TestRenderTemplate_ProfileVariants(t *testing.T) {
	snap := followup.ContextSnapshot{ProfileType: "entrepreneur"}
	assert.Contains(t, RenderTemplate(0, snap, time.Now()), "emprendimiento")

	snap.ProfileType = "reseller"
	assert.Contains(t, RenderTemplate(0, snap, time.Now()), "reventa")

	// un perfil sin variante cae a la plantilla base de la etapa
	snap.ProfileType = "retail"
	assert.Contains(t, RenderTemplate(0, snap, time.Now()), "consultando")
}

func TestRenderTemplate_ProductsCappedAtThree(t *testing.T) {
	snap := followup.ContextSnapshot{
		Products: []string{"a", "b", "c", "d", "e"},
	}
	msg := RenderTemplate(4, snap, time.Now())
	assert.Contains(t, msg, "a, b, c")
	assert.NotContains(t, msg, "d")
}

func TestRenderTemplate_QuestionsAndObjectionsUseLast(t *testing.T) {
	snap := followup.ContextSnapshot{
		Questions: []string{"talles", "envíos"},
	}
	assert.Contains(t, RenderTemplate(1, snap, time.Now()), "envíos")

	snap = followup.ContextSnapshot{
		Objections: []string{"muy caro", "lo tengo que pensar"},
	}
	assert.Contains(t, RenderTemplate(2, snap, time.Now()), "lo tengo que pensar")
}

func TestRenderTemplate_UnknownStageFallsToMaintenance(t *testing.T) {
	msg := RenderTemplate(99, followup.ContextSnapshot{}, time.Now())
	assert.Contains(t, msg, "novedades del mes")
}

func TestRenderTemplate_AllStagesResolve(t *testing.T) {
	snap := followup.ContextSnapshot{
		ProfileType:     "entrepreneur",
		EngagementLevel: "medium",
		BudgetMentioned: "$200.000",
		Products:        []string{"camperas"},
		Questions:       []string{"cuotas"},
		Objections:      []string{"caro"},
		LastInteraction: time.Now().Add(-48 * time.Hour),
	}
	for stage := 0; stage <= followup.MaintenanceStage; stage++ {
		msg := RenderTemplate(stage, snap, time.Now())
		assert.NotEmpty(t, msg, "etapa %d", stage)
		assert.False(t, strings.Contains(msg, "{") || strings.Contains(msg, "}"),
			"etapa %d con placeholders sin resolver: %s", stage, msg)
	}
}
