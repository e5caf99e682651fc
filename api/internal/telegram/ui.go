package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/identify"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/intake"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

const (
	textWelcomeTitle = "🌿 *BucaraFlora*\n\n"
	textWelcome      = "🌿 *BucaraFlora*\n" +
		"Identifico plantas a partir de una foto.\n\n" +
		"Envía una foto clara de la planta (hojas, flores o tallo) como imagen o como archivo JPG/PNG.\n\n" +
		"Comandos:\n" +
		"/new · nueva consulta\n" +
		"/status · estado del sistema\n" +
		"/motor · motor de identificación\n" +
		"/debug · información de la sesión"
	textSendPhoto      = "📷 Envía una foto de la planta para identificarla."
	textAnalyzing      = "🔍 Analizando la imagen..."
	textDownloadFailed = "❌ No pude descargar la imagen. Intenta enviarla de nuevo."
	textNewSession     = "🆕 Nueva consulta. Envía una foto de la planta."
	textStale          = "Esta opción ya no está disponible. Envía una nueva foto."
	textNoAlternatives = "🤔 No encontré más especies posibles para esta imagen.\n" +
		"Puedes terminar la consulta o enviar otra foto."
	textAttemptsExhausted = "Ya se usaron todos los intentos para esta foto."
)

const (
	cbCorrect   = "id_yes"
	cbIncorrect = "id_no"
	cbAltPrefix = "alt:"
	cbAltNone   = "alt_none"
)

func predictionKeyboard() tgbotapi.InlineKeyboardMarkup {
	yes := tgbotapi.NewInlineKeyboardButtonData("✅ Sí, es correcta", cbCorrect)
	no := tgbotapi.NewInlineKeyboardButtonData("❌ No es correcta", cbIncorrect)
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(yes, no))
}

// alternativesKeyboard has one button per option plus "none of these".
func alternativesKeyboard(opts []identify.Option) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(opts)+1)
	for i, o := range opts {
		label := fmt.Sprintf("%d. %s (%d%%)", i+1, o.Species, o.Percent())
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, cbAltPrefix+strconv.Itoa(i)),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🚫 Ninguna de estas", cbAltNone),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// parseAltIndex reads the option index out of "alt:<n>".
func parseAltIndex(data string) (int, bool) {
	rest, ok := strings.CutPrefix(data, cbAltPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// confidenceBar renders ten cells, one per started 10%.
func confidenceBar(confidence float64) string {
	filled := plant.Percent(confidence) / 10
	return strings.Repeat("▓", filled) + strings.Repeat("░", 10-filled)
}

func formatPrediction(p plant.Prediction, attempt int) string {
	var b strings.Builder
	info := p.Info
	fmt.Fprintf(&b, "🌱 *%s*\n", esc(info.DisplayName()))
	if info.DisplayName() != p.Species {
		fmt.Fprintf(&b, "_%s_\n", esc(p.Species))
	}
	fmt.Fprintf(&b, "Confianza: %s %d%%\n", confidenceBar(p.Confidence), plant.Percent(p.Confidence))
	if attempt > 1 {
		fmt.Fprintf(&b, "Intento %d\n", attempt)
	}
	b.WriteString("\n")
	b.WriteString(formatInfo(info))
	b.WriteString("\n¿Es correcta la identificación?")
	return b.String()
}

// formatInfo renders the reference data block; it never fails, a missing or
// broken source only changes the wording.
func formatInfo(info plant.SpeciesInfo) string {
	var b strings.Builder
	switch {
	case info.Verified():
		if d := strings.TrimSpace(info.Description); d != "" {
			b.WriteString(esc(d) + "\n\n")
		}
		if t := info.Taxonomy; t != nil && !t.Empty() {
			b.WriteString("*Taxonomía*\n")
			for _, row := range [][2]string{
				{"Reino", t.Kingdom}, {"Filo", t.Phylum}, {"Clase", t.Class}, {"Orden", t.Order},
				{"Familia", t.Family}, {"Género", t.Genus}, {"Especie", t.Species},
			} {
				if row[1] != "" {
					fmt.Fprintf(&b, "%s: %s\n", row[0], esc(row[1]))
				}
			}
			b.WriteString("\n")
		}
		if c := strings.TrimSpace(info.Care); c != "" {
			fmt.Fprintf(&b, "*Cuidados:* %s\n", esc(c))
		}
		if ref := strings.TrimSpace(info.Reference); ref != "" {
			fmt.Fprintf(&b, "Fuente: %s\n", esc(ref))
		}
	case info.Source == plant.SourceError:
		fmt.Fprintf(&b, "⚠️ %s\n", esc(info.Description))
	default:
		b.WriteString("ℹ️ No hay información de referencia para esta especie.\n")
	}
	return b.String()
}

func formatAlternatives(opts []identify.Option) string {
	var b strings.Builder
	b.WriteString("🔎 *Otras especies posibles*\n\n")
	for i, o := range opts {
		fmt.Fprintf(&b, "%d. *%s*", i+1, esc(o.Info.DisplayName()))
		if o.Info.DisplayName() != o.Species {
			fmt.Fprintf(&b, " (_%s_)", esc(o.Species))
		}
		fmt.Fprintf(&b, " · %d%%\n", o.Percent())
	}
	b.WriteString("\n¿Alguna es tu planta?")
	return b.String()
}

// formatNotice is the message after a finished sequence.
func formatNotice(n *identify.Notice) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	switch n.Kind {
	case identify.NoticeConfirmed:
		fmt.Fprintf(&b, "✅ ¡Gracias! Registramos que *%s* era la especie correcta.\n", esc(n.Species))
	case identify.NoticeCorrected:
		fmt.Fprintf(&b, "✅ ¡Gracias por la corrección! Registramos la planta como *%s*.\n", esc(n.Species))
	case identify.NoticeNotIdentified:
		b.WriteString("🤷 No pudimos identificar tu planta. Prueba con otra foto, con mejor luz o más cerca.\n")
	}
	if n.Warning != "" {
		fmt.Fprintf(&b, "⚠️ No se pudo guardar tu respuesta: %s\n", esc(n.Warning))
	}
	if r := n.Receipt; r != nil {
		if r.RetrainingProgress != nil {
			fmt.Fprintf(&b, "📈 Progreso hacia el próximo reentrenamiento: %d%%\n", *r.RetrainingProgress)
		}
		if r.RetrainingTriggered {
			b.WriteString("🔄 ¡Se inició el reentrenamiento del modelo con los aportes recibidos!\n")
		}
	}
	b.WriteString("\n" + textSendPhoto)
	return b.String()
}

func outcomeLabel(o string) string {
	switch o {
	case string(identify.NoticeConfirmed):
		return "confirmadas"
	case string(identify.NoticeCorrected):
		return "corregidas"
	case string(identify.NoticeNotIdentified):
		return "sin identificar"
	}
	return esc(o)
}

func formatStatus(s identify.SystemStatus) string {
	var b strings.Builder
	b.WriteString("🩺 *Estado del sistema*\n\n")
	if s.Predictor.Available {
		fmt.Fprintf(&b, "Modelo (%s): ✅ disponible, %d especies\n", esc(s.PredictorEngine), s.Predictor.SpeciesCount)
	} else {
		fmt.Fprintf(&b, "Modelo (%s): ❌ no disponible", esc(s.PredictorEngine))
		if s.Predictor.Detail != "" {
			fmt.Fprintf(&b, " (%s)", esc(s.Predictor.Detail))
		}
		b.WriteString("\n")
	}
	if s.FeedbackAvailable {
		b.WriteString("Retroalimentación: ✅ disponible\n")
		if st := s.FeedbackStats; st != nil {
			fmt.Fprintf(&b, "Aportes recibidos: %d, imágenes guardadas: %d\n", st.FeedbackTotal, st.ImagesSaved)
		}
	} else {
		b.WriteString("Retroalimentación: ❌ no disponible\n")
	}
	if s.DatabaseConnected {
		b.WriteString("Base de datos: ✅ conectada\n")
	} else {
		b.WriteString("Base de datos: ❌ sin conexión\n")
	}
	fmt.Fprintf(&b, "Sesiones activas: %d\n", s.ActiveSessions)
	if len(s.RecentOutcomes) > 0 {
		parts := make([]string, 0, len(s.RecentOutcomes))
		for _, oc := range s.RecentOutcomes {
			parts = append(parts, fmt.Sprintf("%s %d", outcomeLabel(oc.Outcome), oc.Count))
		}
		b.WriteString("Últimas 24 h: " + strings.Join(parts, ", ") + "\n")
	}
	if !s.Ready() {
		b.WriteString("\nEl identificador no está disponible en este momento. Intenta más tarde.")
	}
	return b.String()
}

func formatDebug(st identify.State) string {
	var b strings.Builder
	b.WriteString("🐞 *Sesión*\n")
	id := st.ID
	if id == "" {
		id = "(ninguna)"
	}
	fmt.Fprintf(&b, "ID: `%s`\n", id)
	fmt.Fprintf(&b, "Pantalla: %s\n", esc(string(st.Screen)))
	fmt.Fprintf(&b, "Intento: %d\n", st.AttemptCount)
	fmt.Fprintf(&b, "Especies descartadas: %d\n", len(st.Excluded))
	if st.Current != nil {
		fmt.Fprintf(&b, "Especie actual: %s (%d%%, %s)\n",
			esc(st.Current.Species), plant.Percent(st.Current.Confidence), esc(st.Current.Engine))
	}
	return b.String()
}

// errorText turns a controller error into a user message.
func errorText(err error) string {
	switch {
	case errors.Is(err, intake.ErrTooLarge):
		return "❌ La imagen es demasiado grande."
	case errors.Is(err, intake.ErrUnsupported):
		return "❌ Formato no soportado. Envía una imagen JPG o PNG."
	case errors.Is(err, intake.ErrEmpty), errors.Is(err, intake.ErrUndecodable):
		return "❌ No pude leer la imagen. Intenta con otra foto."
	case errors.Is(err, plant.ErrNoAlternatives):
		return textNoAlternatives
	case errors.Is(err, identify.ErrAttemptsExhausted):
		return textAttemptsExhausted
	case errors.Is(err, identify.ErrInvalidTransition), errors.Is(err, identify.ErrSessionNotFound),
		errors.Is(err, identify.ErrUnknownSpecies), errors.Is(err, identify.ErrNoImage):
		return textStale
	case errors.Is(err, plant.ErrMalformedInput):
		return "❌ El servicio de identificación no aceptó la imagen. Intenta con otra foto."
	case errors.Is(err, plant.ErrUnavailable):
		return "⚠️ El servicio de identificación no está disponible. Revisa /status e intenta más tarde."
	case errors.Is(err, plant.ErrBadResponse):
		return "⚠️ El servicio de identificación respondió de forma inesperada. Intenta de nuevo."
	}
	return "❌ Ocurrió un error inesperado. Intenta de nuevo."
}

// esc escapes the legacy Markdown markers.
func esc(s string) string {
	s = strings.ReplaceAll(s, "`", "'")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "[", "\\[")
	return s
}
