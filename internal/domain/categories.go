package domain

// Category — тег категории события.
type Category string

const (
	CategoryContainerUpdates Category = "container_update"
	CategoryDateChanges      Category = "date_change"
	CategoryMissingDocuments Category = "missing_documents"
	CategoryStatusChange     Category = "status_change"
	CategoryDelay            Category = "delay"
	CategoryArrival          Category = "arrival"
	CategoryGeneral          Category = "general"
)

// DigestSections задаёт порядок разделов дайджеста.
var DigestSections = []Category{
	CategoryContainerUpdates,
	CategoryDateChanges,
	CategoryMissingDocuments,
}

// CategoryPreferences возвращает включённость каждой категории для пользователя.
func (u User) CategoryPreferences() map[Category]bool {
	return map[Category]bool{
		CategoryContainerUpdates: u.NotifyContainerUpdates,
		CategoryDateChanges:      u.NotifyDischargeDateChanges,
		CategoryMissingDocuments: u.NotifyMissingDocuments,
		CategoryStatusChange:     u.NotifyOnStatusChange,
		CategoryDelay:            u.NotifyOnDelay,
		CategoryArrival:          u.NotifyOnArrival,
	}
}

// Wants сообщает, включена ли категория. Категории без переключателя всегда включены.
func (u User) Wants(c Category) bool {
	enabled, ok := u.CategoryPreferences()[c]
	if !ok {
		return true
	}
	return enabled
}

// ValidCategory проверяет, что тег известен системе.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryContainerUpdates, CategoryDateChanges, CategoryMissingDocuments,
		CategoryStatusChange, CategoryDelay, CategoryArrival, CategoryGeneral:
		return true
	}
	return false
}
