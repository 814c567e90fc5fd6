package storage

import "gorm.io/gorm"

// EnsureOwned は model のテーブルに id かつ userID 所有の行があることを確認します。
// 見つからない場合は ErrNotFound を返します。
func EnsureOwned(db *gorm.DB, model any, id, userID string) error {
	var count int64
	if err := db.Model(model).Where("id = ? AND creator_id = ?", id, userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// MissingOwned は ids のうち userID が所有していないものを入力順で返します。
func MissingOwned(db *gorm.DB, model any, ids []string, userID string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []string
	if err := db.Model(model).Where("id IN ? AND creator_id = ?", ids, userID).Pluck("id", &found).Error; err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(found))
	for _, id := range found {
		owned[id] = true
	}
	var missing []string
	for _, id := range ids {
		if !owned[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
