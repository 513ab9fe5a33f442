package upload

import (
	"fmt"

	"github.com/oscarsailing/scontrini/internal/quality"
)

// Notice is a short Italian message shown to the user as a dismissible
// alert. OverrideLabel, when set, labels the "send anyway" button that
// re-enters the pipeline bypassing the gate.
type Notice struct {
	Title         string `json:"title"`
	Message       string `json:"message"`
	OverrideLabel string `json:"override_label,omitempty"`
}

const overrideLabel = "Invia lo stesso"

// UploadFailedNotice is the generic retry-later notice for remote
// failures during a direct upload.
var UploadFailedNotice = Notice{
	Title:   "Errore invio",
	Message: "Non riesco a salvare su Drive. Controlla la connessione e riprova.",
}

// DecodeFailedNotice is shown when a captured image cannot be read.
var DecodeFailedNotice = Notice{
	Title:   "Errore",
	Message: "Impossibile leggere l'immagine.",
}

func qualityNotice(v quality.Verdict) Notice {
	switch v {
	case quality.TooDark:
		return Notice{
			Title:         "Foto scura",
			Message:       "C'è poca luce. Avvicinati a una fonte luminosa e riprova.",
			OverrideLabel: overrideLabel,
		}
	case quality.Overexposed:
		return Notice{
			Title:         "Foto sovraesposta",
			Message:       "Troppa luce diretta. Sposta lo scontrino in ombra e riprova.",
			OverrideLabel: overrideLabel,
		}
	case quality.Blurry:
		return Notice{
			Title:         "Foto sfocata",
			Message:       "La foto è poco nitida. Tieni fermo il telefono e riprova.",
			OverrideLabel: overrideLabel,
		}
	}
	return Notice{}
}

func offlineNotice(queueLen int) Notice {
	return Notice{
		Title:   "Offline",
		Message: fmt.Sprintf("Nessuna connessione. La foto è stata salvata (%d in coda). Verrà inviata appena torni online.", queueLen),
	}
}
