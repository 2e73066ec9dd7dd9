// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reply

import (
	"errors"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	apologyKey = "reply.apology"
	stalledKey = "reply.cause.stalled"
	failedKey  = "reply.cause.failed"
)

// noticeLocales lists the translated notices. The first entry is the
// fallback.
var noticeLocales = []struct {
	tag     language.Tag
	apology string
	stalled string
	failed  string
}{
	{
		language.English,
		"Sorry, the response could not be completed. Please try again.",
		"The model stopped sending output.",
		"The model service returned an error.",
	},
	{
		language.German,
		"Entschuldigung, die Antwort konnte nicht abgeschlossen werden. Bitte versuche es erneut.",
		"Das Modell hat keine Ausgabe mehr gesendet.",
		"Der Modelldienst hat einen Fehler gemeldet.",
	},
	{
		language.French,
		"Désolé, la réponse n'a pas pu être terminée. Veuillez réessayer.",
		"Le modèle a cessé de répondre.",
		"Le service du modèle a renvoyé une erreur.",
	},
	{
		language.Spanish,
		"Lo sentimos, no se pudo completar la respuesta. Inténtalo de nuevo.",
		"El modelo dejó de enviar respuesta.",
		"El servicio del modelo devolvió un error.",
	},
	{
		language.Portuguese,
		"Desculpe, não foi possível concluir a resposta. Tente novamente.",
		"O modelo parou de enviar a resposta.",
		"O serviço do modelo retornou um erro.",
	},
	{
		language.Japanese,
		"申し訳ありません。応答を完了できませんでした。もう一度お試しください。",
		"モデルからの出力が途絶えました。",
		"モデルサービスがエラーを返しました。",
	},
}

var (
	noticeCatalog = catalog.NewBuilder(catalog.Fallback(language.English))
	noticeMatcher language.Matcher
)

func init() {
	tags := make([]language.Tag, 0, len(noticeLocales))
	for _, l := range noticeLocales {
		_ = noticeCatalog.SetString(l.tag, apologyKey, l.apology)
		_ = noticeCatalog.SetString(l.tag, stalledKey, l.stalled)
		_ = noticeCatalog.SetString(l.tag, failedKey, l.failed)
		tags = append(tags, l.tag)
	}
	noticeMatcher = language.NewMatcher(tags)
}

func printer(locale string) *message.Printer {
	tag := noticeLocales[0].tag
	if locale = strings.TrimSpace(locale); locale != "" {
		if t, err := language.Parse(strings.ReplaceAll(locale, "_", "-")); err == nil {
			if _, i, conf := noticeMatcher.Match(t); conf != language.No {
				tag = noticeLocales[i].tag
			}
		}
	}
	return message.NewPrinter(tag, message.Catalog(noticeCatalog))
}

// Apology returns the failure apology for locale, falling back to English
// for unknown or empty locales.
func Apology(locale string) string {
	return printer(locale).Sprintf(apologyKey)
}

// Notice returns the text appended to a failed reply: the apology followed
// by what went wrong. ErrStalled reads as a stall, anything else as a
// provider error.
func Notice(locale string, cause error) string {
	p := printer(locale)
	reason := failedKey
	if errors.Is(cause, ErrStalled) {
		reason = stalledKey
	}
	return p.Sprintf(apologyKey) + " " + p.Sprintf(reason)
}

// appendApology adds the notice below whatever was already written.
func appendApology(content, notice string) string {
	if strings.TrimSpace(content) == "" {
		return notice
	}
	return strings.TrimRight(content, "\n") + "\n\n" + notice
}
