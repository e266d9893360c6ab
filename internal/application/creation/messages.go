package creation

// End-user strings of the creation flow. The factory's audience is
// Hebrew-speaking, matching the generated bots themselves.
const (
	msgIntro = `ברוכים הבאים למפעל הבוטים! 🏭

כאן אפשר ליצור בוט טלגרם משלכם בלי לכתוב שורת קוד:
מתארים במילים מה הבוט צריך לעשות, ואנחנו בונים אותו.

לחצו על הכפתור או שלחו /create_bot כדי להתחיל.`

	msgAskToken = `שלב ראשון: צריך טוקן של בוט 🔑

1. פתחו את @BotFather בטלגרם
2. שלחו לו /newbot ועקבו אחרי ההוראות
3. העתיקו לכאן את הטוקן שקיבלתם

אפשר לבטל בכל שלב עם /cancel`

	msgResumeFlow = `יש לכם כבר תהליך יצירה פתוח — ממשיכים מאיפה שעצרנו.

` + msgAskToken

	msgInvalidToken = `הטוקן הזה לא נראה תקין 🤔
טוקן של בוט נראה בערך כך: 123456789:ABCdefGHI...

נסו להעתיק אותו שוב מ-@BotFather, או שלחו /cancel לביטול.`

	msgTokenRejected = `טלגרם לא מזהה את הטוקן הזה 🚫
ודאו שהעתקתם אותו במלואו מ-@BotFather ונסו שוב.`

	msgTokenUsed = `הטוקן הזה כבר בשימוש אצלנו ❌
אם זה הבוט שלכם וברצונכם ליצור אותו מחדש, צרו קודם טוקן חדש אצל @BotFather עם /revoke.`

	msgAskDescription = `מעולה, הטוקן התקבל! ✅

עכשיו תארו במילים שלכם מה הבוט צריך לעשות.
לדוגמה: "בוט חידון טריוויה על ההיסטוריה של ישראל, שמנהל ניקוד לכל משתמש"

ככל שהתיאור מפורט יותר, הבוט ייצא טוב יותר.`

	msgCreating = `יוצרים את הבוט שלכם... ⏳
זה יכול לקחת עד דקה, אל תסגרו את הצ'אט.`

	msgAlreadyCreating = `הבוט הזה כבר בתהליך יצירה ברגעים אלה ⏳
עוד רגע סבלנות...`

	msgCreated = `הבוט שלכם מוכן! 🎉

שלחו לו עכשיו הודעה ראשונה (למשל /start) כדי להפעיל אותו.
אם משהו לא עובד כמצופה, אפשר תמיד ליצור אותו מחדש עם טוקן חדש.`

	msgCreatedPending = `הבוט שלכם נוצר! 🎉

החיבור לטלגרם יושלם בדקות הקרובות — אם הבוט לא עונה מיד,
נסו שוב בעוד כמה דקות.`

	msgCancelled = `התהליך בוטל ✅
אפשר להתחיל מחדש בכל רגע עם /create_bot`

	msgNothingToCancel = `אין תהליך פתוח לביטול 🤷
כדי ליצור בוט חדש שלחו /create_bot`

	msgLimitReached = `הגעתם למכסת היצירה היומית (2 בוטים ב-24 שעות) 🛑
נסו שוב מחר, או פנו למנהל המערכת.`

	msgInternalError = `משהו השתבש אצלנו 😔
נסו שוב בעוד כמה דקות.`

	msgHint = `כדי ליצור בוט חדש שלחו /create_bot, או /start להסבר.`

	btnCreateLabel = "🚀 צור בוט חדש"
)

// callbackCreate is the callback payload of the intro button.
const callbackCreate = "create"

// failureMessages maps terminal failure reasons to their user-facing
// explanation. Reasons missing here fall back to msgInternalError.
var failureMessages = map[string]string{
	"token_already_used":      msgTokenUsed,
	"duplicate_token_in_flow": msgTokenUsed,
	"registration_limit":      msgLimitReached,
	"already_registered":      msgTokenUsed,
	"artifact_exists":         msgTokenUsed,
	"synthesis_quota":         "שירות היצירה לא זמין כרגע (חריגה ממכסה) 😔\nנסו שוב מאוחר יותר.",
	"synthesis_busy":          "שירות היצירה עמוס כרגע 😔\nנסו שוב בעוד כמה דקות.",
	"synthesis_auth":          msgInternalError,
	"synthesis_unavailable":   "שירות היצירה לא זמין כרגע 😔\nנסו שוב בעוד כמה דקות.",
	"synthesis_empty":         "לא הצלחנו לבנות בוט מהתיאור הזה 😔\nנסו לנסח אותו מחדש עם /create_bot.",
	"source_rejected":         "לא הצלחנו לבנות בוט מהתיאור הזה 😔\nנסו לנסח אותו מחדש עם /create_bot.",
}

func failureMessage(reason string) string {
	if msg, ok := failureMessages[reason]; ok {
		return msg
	}
	return msgInternalError
}
